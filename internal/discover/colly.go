package discover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/policy/rotation"
)

const ctxStarted = "docharvest.started"

// LinkConfig drives link discovery over static listing pages.
type LinkConfig struct {
	Seeds []string
	// LinkPattern selects document links; other links are followed as listing pages.
	LinkPattern string
	// MaxDepth counts seed pages as depth 1.
	MaxDepth       int
	AllowedDomains []string
	UserAgent      string
	// UserAgents, when set, are rotated per request instead of UserAgent.
	UserAgents []string
	// Proxies are used round-robin.
	Proxies       []string
	Delay         time.Duration
	RespectRobots bool
}

type challengeDetector interface {
	IsChallenge(contentType string, body []byte) bool
}

// LinkSource walks listing pages with colly and emits every link matching
// LinkPattern. Listing pages that serve the challenge are retried once after
// the gate clears it.
type LinkSource struct {
	cfg      LinkConfig
	pattern  *regexp.Regexp
	jar      http.CookieJar
	gate     crawler.ChallengeGate
	detector challengeDetector
	agents   *rotation.UserAgents
	proxy    colly.ProxyFunc
	clock    crawler.Clock
	logger   *zap.Logger
}

// NewLinkSource validates cfg. jar, gate and detector may be nil.
func NewLinkSource(
	cfg LinkConfig,
	jar http.CookieJar,
	gate crawler.ChallengeGate,
	detector challengeDetector,
	clock crawler.Clock,
	logger *zap.Logger,
) (*LinkSource, error) {
	if len(cfg.Seeds) == 0 {
		return nil, crawler.NewError(crawler.KindConfiguration, "link discovery", errors.New("at least one seed is required"))
	}
	if cfg.LinkPattern == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "link discovery", errors.New("link pattern is required"))
	}
	pattern, err := regexp.Compile(cfg.LinkPattern)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "compile link pattern", err)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if len(cfg.AllowedDomains) == 0 {
		for _, seed := range cfg.Seeds {
			u, err := url.Parse(seed)
			if err != nil || u.Hostname() == "" {
				return nil, crawler.NewError(crawler.KindConfiguration, "parse seed", fmt.Errorf("invalid seed %q", seed))
			}
			cfg.AllowedDomains = append(cfg.AllowedDomains, u.Hostname())
		}
	}
	proxyFn, err := rotation.Proxies(cfg.Proxies)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkSource{
		cfg:      cfg,
		pattern:  pattern,
		jar:      jar,
		gate:     gate,
		detector: detector,
		agents:   rotation.NewUserAgents(cfg.UserAgent, cfg.UserAgents),
		proxy:    proxyFn,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Stream implements Source.
func (s *LinkSource) Stream(ctx context.Context, out chan<- crawler.Target) error {
	em := newEmitter(out, s.clock)
	collector := s.newCollector()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if ua := s.agents.Pick(); ua != "" {
			r.Headers.Set("User-Agent", ua)
		}
		r.Ctx.Put(ctxStarted, s.clock.Now())
	})

	collector.OnResponse(func(r *colly.Response) {
		if s.gate == nil || s.detector == nil {
			return
		}
		if !s.detector.IsChallenge(r.Headers.Get("Content-Type"), r.Body) {
			return
		}
		if r.Ctx.Get("challenge") != "" {
			fail(crawler.NewError(crawler.KindCaptcha, "listing page", crawler.ErrChallengePage))
			return
		}
		started, _ := r.Ctx.GetAny(ctxStarted).(time.Time)
		if err := s.gate.Pass(ctx, started); err != nil {
			fail(fmt.Errorf("clear challenge for %s: %w", r.Request.URL, err))
			return
		}
		r.Ctx.Put("challenge", "passed")
		if err := r.Request.Retry(); err != nil {
			s.logger.Warn("listing retry failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if s.detector != nil && s.detector.IsChallenge(e.Response.Headers.Get("Content-Type"), e.Response.Body) {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		if s.pattern.MatchString(link) {
			if _, err := em.emit(ctx, link); err != nil {
				fail(err)
			}
			return
		}
		if err := e.Request.Visit(link); err != nil {
			s.logger.Debug("link not followed", zap.String("url", link), zap.Error(err))
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		s.logger.Warn("listing page failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	for _, seed := range s.cfg.Seeds {
		if ctx.Err() != nil {
			break
		}
		if err := collector.Visit(seed); err != nil {
			s.logger.Error("failed to visit seed", zap.String("url", seed), zap.Error(err))
		}
	}
	collector.Wait()

	s.logger.Info("link discovery finished", zap.Int("targets", em.count()))
	if err := ctx.Err(); err != nil {
		return err
	}
	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}

func (s *LinkSource) newCollector() *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowedDomains(s.cfg.AllowedDomains...),
		colly.MaxDepth(s.cfg.MaxDepth),
	}
	collector := colly.NewCollector(opts...)
	collector.AllowURLRevisit = false
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	if s.jar != nil {
		collector.SetCookieJar(s.jar)
	}
	if s.proxy != nil {
		collector.SetProxyFunc(s.proxy)
	}
	if s.cfg.Delay > 0 {
		if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.cfg.Delay}); err != nil {
			s.logger.Warn("failed to set collector limits", zap.Error(err))
		}
	}
	return collector
}
