// Package discover produces the targets a crawl run hands to the worker pool.
package discover

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// Source emits targets until it is exhausted or ctx ends. It must not close out.
type Source interface {
	Stream(ctx context.Context, out chan<- crawler.Target) error
}

// Start runs src in the background. The target channel closes when the source
// returns; its error (nil on success) is then delivered on the second channel.
func Start(ctx context.Context, src Source, buffer int, logger *zap.Logger) (<-chan crawler.Target, <-chan error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	targets := make(chan crawler.Target, buffer)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(targets)
		err := src.Stream(ctx, targets)
		if err != nil {
			logger.Error("target discovery stopped", zap.Error(err))
		}
		errc <- err
	}()
	return targets, errc
}

// emitter drops repeated identifiers and stamps discovery time.
type emitter struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	out   chan<- crawler.Target
	clock crawler.Clock
}

func newEmitter(out chan<- crawler.Target, clock crawler.Clock) *emitter {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &emitter{seen: make(map[string]struct{}), out: out, clock: clock}
}

// emit reports whether id was new. It blocks until the target is accepted or
// ctx ends.
func (e *emitter) emit(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	if _, dup := e.seen[id]; dup {
		e.mu.Unlock()
		return false, nil
	}
	e.seen[id] = struct{}{}
	e.mu.Unlock()

	select {
	case e.out <- crawler.Target{ID: id, DiscoveredAt: e.clock.Now()}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}
