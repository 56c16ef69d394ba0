// Package app builds and holds the long-lived services of a crawl run, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/acquire"
	"github.com/JakeFAU/docharvest/internal/api"
	"github.com/JakeFAU/docharvest/internal/audit"
	"github.com/JakeFAU/docharvest/internal/audit/csvsink"
	"github.com/JakeFAU/docharvest/internal/audit/postgres"
	"github.com/JakeFAU/docharvest/internal/browser"
	"github.com/JakeFAU/docharvest/internal/captcha"
	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/discover"
	"github.com/JakeFAU/docharvest/internal/id/uuid"
	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/docharvest/internal/policy/rotation"
	pubsubpublisher "github.com/JakeFAU/docharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/docharvest/internal/state"
	"github.com/JakeFAU/docharvest/internal/storage/gcs"
	"github.com/JakeFAU/docharvest/internal/storage/local"
	"github.com/JakeFAU/docharvest/internal/worker"
)

// Options carries process-level collaborators that tests replace.
type Options struct {
	// Stdin and Prompt connect the human challenge solver to the operator.
	Stdin  io.Reader
	Prompt io.Writer
	Clock  crawler.Clock
}

// App holds the services shared by one crawl run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	runID    string
	state    *state.Store
	audit    *audit.Multi
	errorLog *csvsink.ErrorLog
	jar      http.CookieJar
	proxy    colly.ProxyFunc
	session  *browser.Session
	gate     *captcha.Gate
	pipeline *acquire.Pipeline
	pool     *worker.Pool
	outcomes *api.OutcomeLog

	closers []func()
}

// New builds every service named by cfg and fails fast on the first one that
// cannot be initialized. Services already built are closed on failure.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = crawler.SystemClock{}
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stderr
	}

	a := &App{
		cfg:    cfg,
		clock:  opts.Clock,
		runID:  uuid.New().MustRunID(),
		logger: logger,
	}
	a.logger = logger.With(zap.String("run_id", a.runID))
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.logger.Info("initializing services")

	if a.state, err = state.Open(cfg.State.Path, a.clock, a.logger); err != nil {
		return nil, err
	}
	if err = a.buildAudit(ctx); err != nil {
		return nil, err
	}
	if a.jar, err = cookiejar.New(nil); err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "create cookie jar", err)
	}
	if a.proxy, err = rotation.Proxies(cfg.Download.Proxies); err != nil {
		return nil, err
	}
	if cfg.GateEnabled() {
		if err = a.buildGate(opts); err != nil {
			return nil, err
		}
	}
	mirror, err := a.buildMirror(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.buildPipeline(mirror); err != nil {
		return nil, err
	}

	a.outcomes = api.NewOutcomeLog(api.DefaultOutcomeCapacity, a.clock)
	observers := []crawler.OutcomeObserver{a.outcomes}
	if a.errorLog != nil {
		observers = append(observers, a.errorLog)
	}
	if cfg.Publish.Enabled() {
		publisher, client, perr := pubsubpublisher.Open(ctx, cfg.Publish.ProjectID, cfg.Publish.Topic, a.runID, a.logger)
		if perr != nil {
			return nil, perr
		}
		a.closers = append(a.closers, func() {
			publisher.Stop()
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("error closing pubsub client", zap.Error(cerr))
			}
		})
		observers = append(observers, publisher)
	}
	a.pool = worker.New(cfg.Worker, a.pipeline, a.state, observers, a.clock, a.logger)

	a.logger.Info("services initialized",
		zap.Int("audit_sinks", a.audit.Len()),
		zap.Bool("gate", a.gate != nil),
		zap.Bool("mirror", mirror != nil),
		zap.Int("completed_targets", a.state.Len()),
	)
	return a, nil
}

func (a *App) buildAudit(ctx context.Context) error {
	csv, err := csvsink.New(a.cfg.Audit.Dir)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if cerr := csv.Close(); cerr != nil {
			a.logger.Warn("error closing audit files", zap.Error(cerr))
		}
	})
	sinks := []crawler.AuditSink{csv}

	if a.cfg.Audit.ErrorLog != "" {
		errorLog, err := csvsink.NewErrorLog(filepath.Join(a.cfg.Audit.Dir, a.cfg.Audit.ErrorLog), a.clock, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if cerr := errorLog.Close(); cerr != nil {
				a.logger.Warn("error closing error log", zap.Error(cerr))
			}
		})
		a.errorLog = errorLog
	}

	if a.cfg.Audit.PostgresDSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.Audit.PostgresDSN,
			Table:           a.cfg.Audit.PostgresTable,
			RunID:           a.runID,
			MaxConns:        a.cfg.Audit.PostgresMaxConns,
			MaxConnLifetime: a.cfg.Audit.PostgresLifetime,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		sinks = append(sinks, pg)
	}
	a.audit = audit.NewMulti(sinks...)
	return nil
}

func (a *App) buildGate(opts Options) error {
	session, err := browser.New(browser.Config{
		Headless:          a.cfg.Browser.Headless,
		UserAgent:         a.cfg.Browser.UserAgent,
		NavigationTimeout: a.cfg.Browser.NavTimeout,
		ExecPath:          a.cfg.Browser.ExecPath,
		ProxyServer:       firstProxy(a.cfg.Download.Proxies),
	}, a.logger)
	if err != nil {
		return err
	}
	a.session = session
	a.closers = append(a.closers, session.Close)

	resolver := captcha.NewResolver(
		session,
		captcha.NewRemoteService(a.cfg.Solver, nil),
		captcha.NewOperator(opts.Stdin, opts.Prompt),
		a.cfg.Captcha,
		a.logger,
	)
	a.gate = captcha.NewGate(session, resolver, a.jar, captcha.GateConfig{
		ChallengeURL: a.cfg.Portal.ChallengeURL,
		MaxAttempts:  a.cfg.Captcha.MaxAttempts,
	}, a.clock, a.logger)
	return nil
}

func (a *App) buildMirror(ctx context.Context) (crawler.BlobStore, error) {
	switch {
	case a.cfg.Mirror.GCSBucket != "":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Mirror.GCSBucket})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if cerr := store.Close(); cerr != nil {
				a.logger.Warn("error closing gcs client", zap.Error(cerr))
			}
		})
		return store, nil
	case a.cfg.Mirror.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: a.cfg.Mirror.LocalDir})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) buildPipeline(mirror crawler.BlobStore) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if a.proxy != nil {
		transport.Proxy = a.proxy
	}
	client := &http.Client{
		Jar:       a.jar,
		Transport: transport,
	}
	dl := a.cfg.Download
	pipeline, err := acquire.New(
		acquire.Config{
			OutputDir:            dl.OutputDir,
			Timeout:              dl.Timeout,
			Signature:            dl.Signature,
			Extension:            dl.Extension,
			MaxBytes:             dl.MaxBytes,
			StructuralValidation: dl.StructuralValidation,
			UserAgent:            dl.UserAgent,
			UserAgents:           dl.UserAgents,
			ChallengeKeywords:    a.cfg.Portal.ChallengeKeywords,
			MirrorPrefix:         a.cfg.Mirror.Prefix,
			ContentType:          dl.ContentType,
		},
		client,
		crawler.NewRetryPolicy(a.cfg.Retry),
		ratelimit.New(ratelimit.Config{RPS: dl.RateLimitRPS, Burst: dl.Burst}),
		a.challengeGate(),
		a.audit,
		mirror,
		a.clock,
		a.logger,
	)
	if err != nil {
		return err
	}
	a.pipeline = pipeline
	return nil
}

// firstProxy returns the first non-blank proxy, which the browser keeps for
// its whole session.
func firstProxy(proxies []string) string {
	for _, p := range proxies {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return ""
}

// challengeGate returns the gate as an interface that is nil when no gate was built.
func (a *App) challengeGate() crawler.ChallengeGate {
	if a.gate == nil {
		return nil
	}
	return a.gate
}

// RunID identifies this run in logs, audit rows and events.
func (a *App) RunID() string { return a.runID }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Pool returns the worker pool.
func (a *App) Pool() *worker.Pool { return a.pool }

// State returns the crawl state store.
func (a *App) State() *state.Store { return a.state }

// Source builds the configured target source. ids, when non-empty, take
// precedence over discovery.
func (a *App) Source(ids []string) (discover.Source, error) {
	if len(ids) > 0 {
		return discover.SliceSource{IDs: ids, Clock: a.clock}, nil
	}
	d := a.cfg.Discover
	switch d.Mode {
	case config.DiscoverFile:
		return discover.NewFileSource(d.TargetsFile, a.clock, a.logger), nil
	case config.DiscoverLinks:
		return discover.NewLinkSource(discover.LinkConfig{
			Seeds:         d.Seeds,
			LinkPattern:   d.LinkPattern,
			MaxDepth:      d.MaxDepth,
			UserAgent:     a.cfg.Download.UserAgent,
			UserAgents:    a.cfg.Download.UserAgents,
			Proxies:       a.cfg.Download.Proxies,
			Delay:         d.Delay,
			RespectRobots: d.RespectRobots,
		}, a.jar, a.challengeGate(), acquire.NewChallengeDetector(a.cfg.Portal.ChallengeKeywords), a.clock, a.logger)
	case config.DiscoverListing:
		if a.session == nil {
			return nil, crawler.NewError(crawler.KindConfiguration, "listing discovery", errors.New("browser session is not running"))
		}
		return discover.NewListingSource(discover.ListingConfig{
			StartURL:          a.cfg.Portal.StartURL,
			LinkSelector:      a.cfg.Portal.LinkSelector,
			NextSelector:      a.cfg.Portal.NextSelector,
			LinkPattern:       d.LinkPattern,
			MaxPages:          a.cfg.Portal.MaxPages,
			ChallengeKeywords: a.cfg.Portal.ChallengeKeywords,
		}, a.session, a.challengeGate(), a.clock, a.logger)
	default:
		return nil, crawler.NewError(crawler.KindConfiguration, "build source", fmt.Errorf("unknown discover mode %q", d.Mode))
	}
}

// Server builds the operator API for this run.
func (a *App) Server() *api.Server {
	checks := map[string]api.ReadinessCheck{
		"output_dir": func(context.Context) error {
			scratch, err := os.CreateTemp(a.cfg.Download.OutputDir, ".ready-*")
			if err != nil {
				return err
			}
			_ = scratch.Close()
			return os.Remove(scratch.Name())
		},
	}
	return api.NewServer(
		api.Config{Port: a.cfg.Server.Port, APIKey: a.cfg.Server.APIKey},
		a.pool,
		a.state,
		a.outcomes,
		checks,
		a.logger,
	)
}

// Run streams targets from src through the pool and returns the run summary.
func (a *App) Run(ctx context.Context, src discover.Source) (worker.Summary, error) {
	targets, errc := discover.Start(ctx, src, a.cfg.Discover.Buffer, a.logger)
	summary, runErr := a.pool.Run(ctx, a.runID, targets)
	// Drain so the source goroutine can exit when the pool stopped early.
	for range targets {
	}
	srcErr := <-errc
	if errors.Is(srcErr, context.Canceled) && ctx.Err() != nil {
		srcErr = nil
	}
	if srcErr != nil {
		srcErr = fmt.Errorf("discover targets: %w", srcErr)
	}
	return summary, errors.Join(runErr, srcErr)
}

// Close shuts services down in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
