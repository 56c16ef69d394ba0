// Package csvsink writes audit rows to one CSV file per stream.
package csvsink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// File names per stream.
var fileNames = map[crawler.Stream]string{
	crawler.StreamAll:  "all_urls.csv",
	crawler.StreamGood: "good_urls.csv",
	crawler.StreamBad:  "bad_urls.csv",
}

var header = []string{"target", "status", "timestamp", "detail"}

type stream struct {
	file   *os.File
	writer *csv.Writer
}

// Sink appends rows to the stream files under a directory. Writes are
// serialized and flushed per row.
type Sink struct {
	mu      sync.Mutex
	streams map[crawler.Stream]*stream
}

// New opens (or creates) the three stream files in dir.
func New(dir string) (*Sink, error) {
	if dir == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "open audit files", errors.New("audit directory is required"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, crawler.NewError(crawler.KindFileIO, "create audit directory", err)
	}
	s := &Sink{streams: make(map[crawler.Stream]*stream, len(fileNames))}
	for name, file := range fileNames {
		st, err := openStream(filepath.Join(dir, file), header)
		if err != nil {
			_ = s.Close()
			return nil, crawler.NewError(crawler.KindFileIO, "open audit file", err)
		}
		s.streams[name] = st
	}
	return s, nil
}

func openStream(path string, header []string) (*stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // configured audit path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	st := &stream{file: f, writer: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := st.write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *stream) write(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush row: %w", err)
	}
	return nil
}

// Record implements crawler.AuditSink.
func (s *Sink) Record(_ context.Context, name crawler.Stream, record crawler.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return fmt.Errorf("unknown audit stream %q", name)
	}
	if err := st.write(record.Row()); err != nil {
		return crawler.NewError(crawler.KindFileIO, "audit "+string(name), err)
	}
	return nil
}

// Close syncs and closes every stream file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, st := range s.streams {
		if err := st.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", name, err))
		}
		if err := st.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(s.streams, name)
	}
	return errors.Join(errs...)
}
