// Package state persists the set of targets a crawl has already settled so an
// interrupted run can resume without fetching them again.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// FormatVersion is the on-disk schema version written by Persist.
const FormatVersion = 1

type fileFormat struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Targets   []string  `json:"targets"`
}

// Store is a mutex-guarded set of processed target identifiers backed by a
// JSON file.
type Store struct {
	mu sync.Mutex
	// persistMu orders whole snapshot-and-rename cycles so an older snapshot
	// can never replace a newer one.
	persistMu sync.Mutex
	path      string
	done      map[string]struct{}
	dirty     bool
	clock     crawler.Clock
	logger    *zap.Logger
}

// Open loads the state file at path. A missing file yields an empty store. A
// corrupt file or an unknown version is logged and also yields an empty store;
// the next Persist replaces it.
func Open(path string, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "open state", errors.New("state path is required"))
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		done:   make(map[string]struct{}),
		clock:  clock,
		logger: logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no crawl state found, starting fresh", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return crawler.NewError(crawler.KindFileIO, "read state", err)
	}
	var decoded fileFormat
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.logger.Warn("crawl state is corrupt, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if decoded.Version != FormatVersion {
		s.logger.Warn("crawl state has unsupported version, starting fresh",
			zap.String("path", s.path),
			zap.Int("version", decoded.Version),
		)
		return nil
	}
	for _, id := range decoded.Targets {
		if id != "" {
			s.done[id] = struct{}{}
		}
	}
	s.logger.Info("crawl state loaded", zap.String("path", s.path), zap.Int("targets", len(s.done)))
	return nil
}

// Contains reports whether id was already processed.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// MarkDone records id and reports whether it was newly added.
func (s *Store) MarkDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return false
	}
	s.done[id] = struct{}{}
	s.dirty = true
	return true
}

// Len returns the number of processed identifiers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

// Snapshot returns the processed identifiers in sorted order.
func (s *Store) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Dirty reports whether MarkDone added anything since the last Persist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Reset forgets every identifier. The file changes on the next Persist.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = make(map[string]struct{})
	s.dirty = true
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) sortedLocked() []string {
	out := make([]string, 0, len(s.done))
	for id := range s.done {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Persist writes the set to a temp file in the same directory, syncs it and
// renames it over the state file, so a crash leaves either the old or the new
// file and never a partial one.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	payload := fileFormat{
		Version:   FormatVersion,
		UpdatedAt: s.clock.Now().UTC(),
		Targets:   s.sortedLocked(),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return crawler.NewError(crawler.KindFileIO, "encode state", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return crawler.NewError(crawler.KindFileIO, "persist state", err)
	}

	s.mu.Lock()
	if len(s.done) == len(payload.Targets) {
		s.dirty = false
	}
	s.mu.Unlock()
	s.logger.Debug("crawl state persisted", zap.String("path", s.path), zap.Int("targets", len(payload.Targets)))
	return nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
