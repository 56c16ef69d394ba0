package captcha

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// Config holds the portal selectors and timings the resolver needs.
type Config struct {
	ImageSelector  string        `mapstructure:"image_selector"`
	InputSelector  string        `mapstructure:"input_selector"`
	SubmitSelector string        `mapstructure:"submit_selector"`
	FailureMarker  string        `mapstructure:"failure_marker"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	ElementTimeout time.Duration `mapstructure:"element_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	// ImagePath is where the challenge image is cached while it is being solved.
	ImagePath string `mapstructure:"image_path"`
}

// RemoteSolver submits challenge bytes to an automated solving service.
type RemoteSolver interface {
	Configured() bool
	Solve(ctx context.Context, image []byte) (string, error)
}

// HumanSolver asks an operator for the solution of the image stored at imagePath.
type HumanSolver interface {
	Solve(ctx context.Context, imagePath string) (string, error)
}

// Resolver turns the challenge currently shown in the browser session into an
// accepted solution. Calls to Resolve are serialized.
type Resolver struct {
	mu        sync.Mutex
	session   crawler.BrowserSession
	remote    RemoteSolver
	human     HumanSolver
	cfg       Config
	logger    *zap.Logger
	onAttempt func(crawler.ChallengeAttempt)
}

// NewResolver wires a resolver. remote may be nil when no service is configured.
func NewResolver(
	session crawler.BrowserSession,
	remote RemoteSolver,
	human HumanSolver,
	cfg Config,
	logger *zap.Logger,
) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 10 * time.Second
	}
	if cfg.ImagePath == "" {
		cfg.ImagePath = filepath.Join(os.TempDir(), "docharvest-captcha.png")
	}
	return &Resolver{
		session: session,
		remote:  remote,
		human:   human,
		cfg:     cfg,
		logger:  logger,
	}
}

// OnAttempt registers a hook invoked after every solving attempt.
func (r *Resolver) OnAttempt(fn func(crawler.ChallengeAttempt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAttempt = fn
}

// Resolve solves the challenge with at most attemptsRemaining submissions.
//
// A failure to obtain the challenge image aborts the call with a network error;
// the caller's own attempt loop decides whether to try again. Remote-service
// failures, submission failures and rejected solutions each consume one
// attempt. The last attempt is always handed to the human solver, which blocks
// without a timeout until the operator answers or ctx is cancelled.
func (r *Resolver) Resolve(ctx context.Context, attemptsRemaining int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.removeArtifact()

	if attemptsRemaining < 1 {
		return "", crawler.NewError(crawler.KindCaptcha, "resolve", crawler.ErrChallengeExhausted)
	}

	var (
		state    = StateFetching
		ordinal  int
		image    []byte
		solution string
		strategy crawler.Strategy
		started  time.Time
		lastErr  error
	)
	for {
		switch state {
		case StateFetching:
			ordinal++
			started = time.Now()
			var err error
			image, err = r.fetchArtifact(ctx)
			if err != nil {
				return "", err
			}
			state = StateSolving

		case StateSolving:
			strategy = SelectStrategy(attemptsRemaining, r.remoteConfigured())
			r.logger.Info("solving challenge",
				zap.Int("attempt", ordinal),
				zap.Int("remaining", attemptsRemaining),
				zap.Stringer("strategy", strategy),
			)
			var err error
			solution, err = r.solve(ctx, strategy, image)
			if err != nil {
				r.report(ordinal, strategy, "", err, started)
				if strategy == crawler.StrategyHuman || ctx.Err() != nil {
					return "", err
				}
				lastErr = err
				attemptsRemaining--
				state = nextState(attemptsRemaining)
				continue
			}
			state = StateSubmitting

		case StateSubmitting:
			err := r.submit(ctx, solution)
			r.report(ordinal, strategy, solution, err, started)
			if err == nil {
				state = StateSucceeded
				continue
			}
			if ctx.Err() != nil {
				return "", fmt.Errorf("submit challenge: %w", ctx.Err())
			}
			lastErr = err
			attemptsRemaining--
			state = nextState(attemptsRemaining)

		case StateSucceeded:
			r.logger.Info("challenge solved", zap.Int("attempts", ordinal), zap.Stringer("strategy", strategy))
			return solution, nil

		case StateExhaustedFailed:
			r.logger.Warn("challenge attempts exhausted", zap.Int("attempts", ordinal), zap.Error(lastErr))
			return "", crawler.NewError(crawler.KindCaptcha, "resolve",
				fmt.Errorf("%w after %d attempts: %w", crawler.ErrChallengeExhausted, ordinal, lastErr))
		}
	}
}

func nextState(attemptsRemaining int) State {
	if attemptsRemaining > 0 {
		return StateFetching
	}
	return StateExhaustedFailed
}

func (r *Resolver) remoteConfigured() bool {
	return r.remote != nil && r.remote.Configured()
}

func (r *Resolver) fetchArtifact(ctx context.Context) ([]byte, error) {
	handle, err := r.session.Locate(ctx, r.cfg.ImageSelector, r.cfg.ElementTimeout)
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, "locate challenge image", err)
	}
	src, err := r.session.ReadAttribute(ctx, handle, "src")
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, "read challenge src", err)
	}
	if strings.TrimSpace(src) == "" {
		return nil, crawler.NewError(crawler.KindNetwork, "read challenge src", errors.New("empty src attribute"))
	}
	image, err := r.session.FetchBytes(ctx, src)
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, "fetch challenge image", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.ImagePath), 0o750); err != nil {
		return nil, crawler.NewError(crawler.KindFileIO, "create challenge dir", err)
	}
	if err := os.WriteFile(r.cfg.ImagePath, image, 0o600); err != nil {
		return nil, crawler.NewError(crawler.KindFileIO, "write challenge image", err)
	}
	r.logger.Debug("challenge image cached", zap.String("path", r.cfg.ImagePath), zap.Int("bytes", len(image)))
	return image, nil
}

func (r *Resolver) solve(ctx context.Context, strategy crawler.Strategy, image []byte) (string, error) {
	switch strategy {
	case crawler.StrategyRemoteService:
		solution, err := r.remote.Solve(ctx, image)
		if err != nil {
			var typed *crawler.Error
			if errors.As(err, &typed) {
				return "", err
			}
			return "", crawler.NewError(crawler.KindNetwork, "remote solve", err)
		}
		return solution, nil
	case crawler.StrategyHuman:
		if r.human == nil {
			return "", crawler.NewError(crawler.KindConfiguration, "human solve", errors.New("no operator configured"))
		}
		solution, err := r.human.Solve(ctx, r.cfg.ImagePath)
		if err != nil {
			return "", fmt.Errorf("human solve: %w", err)
		}
		return strings.TrimSpace(solution), nil
	default:
		return "", crawler.NewError(crawler.KindUnknown, "solve", fmt.Errorf("unsupported strategy %d", strategy))
	}
}

func (r *Resolver) submit(ctx context.Context, solution string) error {
	if err := r.session.FillAndSubmit(ctx, r.cfg.InputSelector, solution, r.cfg.SubmitSelector); err != nil {
		return crawler.NewError(crawler.KindParsing, "submit solution", err)
	}
	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return fmt.Errorf("settle after submit: %w", err)
	}
	if r.cfg.FailureMarker == "" {
		return nil
	}
	rejected, err := r.session.PageContains(ctx, r.cfg.FailureMarker)
	if err != nil {
		return crawler.NewError(crawler.KindParsing, "scan for failure marker", err)
	}
	if rejected {
		return crawler.ErrWrongSolution
	}
	return nil
}

func (r *Resolver) report(ordinal int, strategy crawler.Strategy, solution string, err error, started time.Time) {
	attempt := crawler.ChallengeAttempt{
		Ordinal:  ordinal,
		Strategy: strategy,
		Solution: solution,
		Err:      err,
		Elapsed:  time.Since(started),
	}
	result := "solved"
	switch {
	case errors.Is(err, crawler.ErrWrongSolution):
		result = "rejected"
		r.logger.Warn("challenge solution rejected", zap.Int("attempt", ordinal), zap.Stringer("strategy", strategy))
	case err != nil:
		result = "error"
		r.logger.Warn("challenge attempt failed",
			zap.Int("attempt", ordinal),
			zap.Stringer("strategy", strategy),
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Error(err),
		)
	}
	metrics.ObserveChallengeAttempt(strategy.String(), result, attempt.Elapsed)
	if r.onAttempt != nil {
		r.onAttempt(attempt)
	}
}

func (r *Resolver) removeArtifact() {
	err := os.Remove(r.cfg.ImagePath)
	switch {
	case err == nil:
		r.logger.Debug("challenge image removed", zap.String("path", r.cfg.ImagePath))
	case errors.Is(err, os.ErrNotExist):
	default:
		r.logger.Warn("remove challenge image", zap.String("path", r.cfg.ImagePath), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
