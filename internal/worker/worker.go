// Package worker runs acquisitions over a stream of targets with bounded
// concurrency, skipping targets the crawl state already holds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// DefaultConcurrency matches the portal's tolerance for parallel downloads.
const DefaultConcurrency = 3

// Config controls Pool behavior.
type Config struct {
	Concurrency        int           `mapstructure:"concurrency"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// Acquirer acquires one target and records outcomes to the audit sink.
type Acquirer interface {
	Acquire(ctx context.Context, target crawler.Target) crawler.Outcome
	Record(ctx context.Context, outcome crawler.Outcome)
}

// StateStore is the subset of the crawl state the pool mutates.
type StateStore interface {
	Contains(id string) bool
	MarkDone(id string) bool
	Persist() error
}

// Summary aggregates the outcomes of one run.
type Summary struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Succeeded   int       `json:"succeeded"`
	Skipped     int       `json:"skipped_exists"`
	Invalid     int       `json:"invalid_format"`
	Failed      int       `json:"failed"`
	AlreadyDone int       `json:"already_done"`
	Duplicates  int       `json:"duplicates"`
	Active      int       `json:"active"`
}

// Processed returns the number of terminal outcomes.
func (s Summary) Processed() int {
	return s.Succeeded + s.Skipped + s.Invalid + s.Failed
}

func (s *Summary) add(o crawler.Outcome) {
	switch o.Status {
	case crawler.StatusSuccess:
		s.Succeeded++
	case crawler.StatusSkippedExists:
		s.Skipped++
	case crawler.StatusInvalidFormat:
		s.Invalid++
	default:
		s.Failed++
	}
}

// Pool dispatches targets to an Acquirer.
type Pool struct {
	cfg       Config
	acquirer  Acquirer
	state     StateStore
	observers []crawler.OutcomeObserver
	clock     crawler.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	summary  Summary
	inFlight map[string]struct{}
	marked   atomic.Int64
}

// New constructs a Pool.
func New(
	cfg Config,
	acquirer Acquirer,
	state StateStore,
	observers []crawler.OutcomeObserver,
	clock crawler.Clock,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		acquirer:  acquirer,
		state:     state,
		observers: observers,
		clock:     clock,
		logger:    logger,
		inFlight:  make(map[string]struct{}),
	}
}

// Status returns a snapshot of the current run.
func (p *Pool) Status() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// Run consumes targets until the channel closes or ctx is cancelled. A failing
// target never cancels its siblings. State is persisted when Run returns,
// whether the run completed or was aborted; an aborted run returns ctx.Err().
func (p *Pool) Run(ctx context.Context, runID string, targets <-chan crawler.Target) (Summary, error) {
	p.mu.Lock()
	p.summary = Summary{RunID: runID, StartedAt: p.clock.Now()}
	p.mu.Unlock()
	p.logger.Info("crawl started", zap.String("run_id", runID), zap.Int("concurrency", p.cfg.Concurrency))

	stopCheckpoints := p.startCheckpoints()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
dispatch:
	for {
		var target crawler.Target
		var ok bool
		select {
		case <-ctx.Done():
			break dispatch
		case target, ok = <-targets:
			if !ok {
				break dispatch
			}
		}
		if !p.claim(target) {
			continue
		}
		g.Go(func() error {
			p.process(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	stopCheckpoints()

	var errs []error
	if err := ctx.Err(); err != nil {
		p.logger.Warn("crawl aborted", zap.String("run_id", runID), zap.Error(err))
		errs = append(errs, err)
	}
	if err := p.state.Persist(); err != nil {
		p.logger.Error("persist crawl state failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("persist state: %w", err))
	}

	p.mu.Lock()
	p.summary.FinishedAt = p.clock.Now()
	summary := p.summary
	p.mu.Unlock()
	p.logger.Info("crawl finished",
		zap.String("run_id", runID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped_exists", summary.Skipped),
		zap.Int("invalid_format", summary.Invalid),
		zap.Int("failed", summary.Failed),
		zap.Int("already_done", summary.AlreadyDone),
	)
	return summary, errors.Join(errs...)
}

// claim reports whether target should be dispatched, counting it otherwise.
func (p *Pool) claim(target crawler.Target) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Contains(target.ID) {
		p.summary.AlreadyDone++
		p.logger.Debug("target already processed", zap.String("target", target.ID))
		return false
	}
	if _, busy := p.inFlight[target.ID]; busy {
		p.summary.Duplicates++
		return false
	}
	p.inFlight[target.ID] = struct{}{}
	p.summary.Active++
	return true
}

func (p *Pool) process(ctx context.Context, target crawler.Target) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	outcome := p.acquire(ctx, target)
	interrupted := outcome.Status == crawler.StatusFailed && ctx.Err() != nil

	p.mu.Lock()
	// An interrupted target is retried by the next run.
	if !interrupted && p.state.MarkDone(target.ID) {
		p.marked.Add(1)
	}
	delete(p.inFlight, target.ID)
	p.summary.Active--
	p.summary.add(outcome)
	p.mu.Unlock()

	metrics.ObserveOutcome(string(outcome.Status))
	for _, o := range p.observers {
		o.Observe(ctx, outcome)
	}
}

// acquire converts a panic in the acquirer into a failed outcome that is still
// audited.
func (p *Pool) acquire(ctx context.Context, target crawler.Target) (outcome crawler.Outcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := crawler.NewError(crawler.KindUnknown, "acquire", fmt.Errorf("panic: %v", r))
		p.logger.Error("acquire panicked",
			zap.String("target", target.ID),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		outcome = crawler.Outcome{
			TargetID: target.ID,
			Status:   crawler.StatusFailed,
			Detail:   err.Error(),
			Err:      err,
		}
		p.acquirer.Record(ctx, outcome)
	}()
	return p.acquirer.Acquire(ctx, target)
}

// startCheckpoints persists state periodically while the run is active.
func (p *Pool) startCheckpoints() func() {
	if p.cfg.CheckpointInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.CheckpointInterval)
		defer ticker.Stop()
		var persisted int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				current := p.marked.Load()
				if current == persisted {
					continue
				}
				if err := p.state.Persist(); err != nil {
					p.logger.Warn("checkpoint failed", zap.Error(err))
					continue
				}
				persisted = current
				p.logger.Debug("checkpoint written", zap.Int64("marked", current))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
