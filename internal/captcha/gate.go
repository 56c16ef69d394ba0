package captcha

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// GateConfig controls how the gate re-opens the portal challenge.
type GateConfig struct {
	// ChallengeURL is navigated to before solving. Empty keeps the current page.
	ChallengeURL string
	MaxAttempts  int
}

type challengeResolver interface {
	Resolve(ctx context.Context, attemptsRemaining int) (string, error)
}

// Gate serializes challenge resolution on one browser session and copies the
// session cookies into jar so plain HTTP fetches share the cleared session.
// Pass may block on a human operator (see Operator).
type Gate struct {
	mu       sync.Mutex
	session  crawler.BrowserSession
	resolver challengeResolver
	jar      http.CookieJar
	cfg      GateConfig
	clock    crawler.Clock
	logger   *zap.Logger
	passedAt time.Time
}

// NewGate wires a gate. jar may be nil when no HTTP client needs the cookies.
func NewGate(
	session crawler.BrowserSession,
	resolver challengeResolver,
	jar http.CookieJar,
	cfg GateConfig,
	clock crawler.Clock,
	logger *zap.Logger,
) *Gate {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		session:  session,
		resolver: resolver,
		jar:      jar,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Pass clears the challenge unless another caller already did so after detectedAt.
func (g *Gate) Pass(ctx context.Context, detectedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.passedAt.IsZero() && g.passedAt.After(detectedAt) {
		g.logger.Debug("challenge already cleared", zap.Time("passed_at", g.passedAt))
		return nil
	}
	if g.cfg.ChallengeURL != "" {
		if err := g.session.Navigate(ctx, g.cfg.ChallengeURL); err != nil {
			return crawler.NewError(crawler.KindNetwork, "open challenge page", err)
		}
	}
	if _, err := g.resolver.Resolve(ctx, g.cfg.MaxAttempts); err != nil {
		return fmt.Errorf("resolve challenge: %w", err)
	}
	if err := g.syncCookies(ctx); err != nil {
		return err
	}
	g.passedAt = g.clock.Now()
	g.logger.Info("challenge cleared")
	return nil
}

func (g *Gate) syncCookies(ctx context.Context) error {
	if g.jar == nil {
		return nil
	}
	cookies, err := g.session.Cookies(ctx)
	if err != nil {
		return crawler.NewError(crawler.KindNetwork, "read session cookies", err)
	}
	fallbackHost := ""
	if u, err := url.Parse(g.cfg.ChallengeURL); err == nil {
		fallbackHost = u.Hostname()
	}
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			host = fallbackHost
		}
		if host == "" {
			continue
		}
		g.jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, []*http.Cookie{c})
	}
	g.logger.Debug("session cookies synced", zap.Int("count", len(cookies)))
	return nil
}
