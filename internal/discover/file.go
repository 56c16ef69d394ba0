package discover

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// FileSource reads one target identifier per line. Blank lines and lines
// starting with '#' are ignored.
type FileSource struct {
	path   string
	clock  crawler.Clock
	logger *zap.Logger
}

// NewFileSource returns a source over the identifiers in path.
func NewFileSource(path string, clock crawler.Clock, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, clock: clock, logger: logger}
}

// Stream implements Source.
func (s *FileSource) Stream(ctx context.Context, out chan<- crawler.Target) error {
	if s.path == "" {
		return crawler.NewError(crawler.KindConfiguration, "read targets", fmt.Errorf("targets file is required"))
	}
	f, err := os.Open(s.path)
	if err != nil {
		return crawler.NewError(crawler.KindFileIO, "open targets file", err)
	}
	defer func() {
		_ = f.Close()
	}()

	em := newEmitter(out, s.clock)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := em.emit(ctx, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return crawler.NewError(crawler.KindFileIO, "read targets file", err)
	}
	s.logger.Info("targets file read", zap.String("path", s.path), zap.Int("targets", em.count()))
	return nil
}

// SliceSource emits a fixed list of identifiers, as given on the command line.
type SliceSource struct {
	IDs   []string
	Clock crawler.Clock
}

// Stream implements Source.
func (s SliceSource) Stream(ctx context.Context, out chan<- crawler.Target) error {
	em := newEmitter(out, s.Clock)
	for _, id := range s.IDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := em.emit(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
