package csvsink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

var errorHeader = []string{"timestamp", "error_type", "message", "target"}

// ErrorLog appends one typed row per failed outcome. It implements
// crawler.OutcomeObserver, so rows follow the pool's completion order.
type ErrorLog struct {
	mu     sync.Mutex
	st     *stream
	clock  crawler.Clock
	logger *zap.Logger
}

// NewErrorLog opens (or creates) the error log at path.
func NewErrorLog(path string, clock crawler.Clock, logger *zap.Logger) (*ErrorLog, error) {
	if path == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "open error log", errors.New("error log path is required"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, crawler.NewError(crawler.KindFileIO, "create error log directory", err)
	}
	st, err := openStream(path, errorHeader)
	if err != nil {
		return nil, crawler.NewError(crawler.KindFileIO, "open error log", err)
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorLog{st: st, clock: clock, logger: logger}, nil
}

// Observe writes a row when outcome carries an error. The error type is the
// kind of the outermost crawler error.
func (l *ErrorLog) Observe(_ context.Context, outcome crawler.Outcome) {
	if outcome.Err == nil {
		return
	}
	row := []string{
		l.clock.Now().UTC().Format(time.RFC3339),
		string(crawler.KindOf(outcome.Err)),
		outcome.Detail,
		outcome.TargetID,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return
	}
	if err := l.st.write(row); err != nil {
		l.logger.Warn("error log write failed", zap.String("target", outcome.TargetID), zap.Error(err))
	}
}

// Close syncs and closes the file.
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil
	}
	st := l.st
	l.st = nil
	return errors.Join(st.file.Sync(), st.file.Close())
}
