package acquire

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

type recordingSink struct {
	mu      sync.Mutex
	records map[crawler.Stream][]crawler.AuditRecord
}

func newRecordingSink() *recordingSink {
	return &recordingSink{records: make(map[crawler.Stream][]crawler.AuditRecord)}
}

func (s *recordingSink) Record(_ context.Context, stream crawler.Stream, record crawler.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stream] = append(s.records[stream], record)
	return nil
}

func (s *recordingSink) count(stream crawler.Stream) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[stream])
}

type countingGate struct {
	mu     sync.Mutex
	calls  int
	err    error
	onPass func()
}

func (g *countingGate) Pass(context.Context, time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.onPass != nil {
		g.onPass()
	}
	return g.err
}

type memoryMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryMirror) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[path] = body
	return "mem://" + path, nil
}

var errMirrorDown = errors.New("mirror down")
