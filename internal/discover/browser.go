package discover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// ListingConfig drives discovery over rendered, paginated listing pages.
type ListingConfig struct {
	StartURL string
	// LinkSelector is a CSS selector for document links on a listing page.
	LinkSelector string
	// NextSelector is a CSS selector for the next-page link. Empty reads one page.
	NextSelector string
	// LinkPattern optionally filters the collected links.
	LinkPattern string
	MaxPages    int
	// ChallengeKeywords are searched for in the rendered page before links are read.
	ChallengeKeywords []string
}

// ListingSource reads document links from the portal's rendered listing
// through the browser session, clearing the challenge when the listing is gated.
type ListingSource struct {
	cfg     ListingConfig
	pattern *regexp.Regexp
	session crawler.BrowserSession
	gate    crawler.ChallengeGate
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewListingSource validates cfg. gate may be nil.
func NewListingSource(
	cfg ListingConfig,
	session crawler.BrowserSession,
	gate crawler.ChallengeGate,
	clock crawler.Clock,
	logger *zap.Logger,
) (*ListingSource, error) {
	if session == nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "listing discovery", errors.New("browser session is required"))
	}
	if cfg.StartURL == "" || cfg.LinkSelector == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "listing discovery", errors.New("start url and link selector are required"))
	}
	var pattern *regexp.Regexp
	if cfg.LinkPattern != "" {
		var err error
		if pattern, err = regexp.Compile(cfg.LinkPattern); err != nil {
			return nil, crawler.NewError(crawler.KindConfiguration, "compile link pattern", err)
		}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingSource{
		cfg:     cfg,
		pattern: pattern,
		session: session,
		gate:    gate,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Stream implements Source.
func (s *ListingSource) Stream(ctx context.Context, out chan<- crawler.Target) error {
	em := newEmitter(out, s.clock)
	visited := make(map[string]struct{})
	page := s.cfg.StartURL

	for n := 1; n <= s.cfg.MaxPages && page != ""; n++ {
		if _, again := visited[page]; again {
			break
		}
		visited[page] = struct{}{}

		if err := s.open(ctx, page); err != nil {
			return err
		}
		links, err := s.links(ctx)
		if err != nil {
			return err
		}
		added := 0
		for _, link := range links {
			if s.pattern != nil && !s.pattern.MatchString(link) {
				continue
			}
			fresh, err := em.emit(ctx, link)
			if err != nil {
				return err
			}
			if fresh {
				added++
			}
		}
		s.logger.Info("listing page read", zap.Int("page", n), zap.String("url", page), zap.Int("new_targets", added))

		if s.cfg.NextSelector == "" {
			break
		}
		if page, err = s.next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// open navigates to page, passing the gate once if the challenge is shown.
func (s *ListingSource) open(ctx context.Context, page string) error {
	detectedAt := s.clock.Now()
	if err := s.session.Navigate(ctx, page); err != nil {
		return crawler.NewError(crawler.KindNetwork, "open listing page", err)
	}
	gated, err := s.gated(ctx)
	if err != nil || !gated {
		return err
	}
	if s.gate == nil {
		return crawler.NewError(crawler.KindCaptcha, "open listing page", crawler.ErrChallengePage)
	}
	if err := s.gate.Pass(ctx, detectedAt); err != nil {
		return fmt.Errorf("clear challenge for listing: %w", err)
	}
	if err := s.session.Navigate(ctx, page); err != nil {
		return crawler.NewError(crawler.KindNetwork, "reopen listing page", err)
	}
	if gated, err = s.gated(ctx); err != nil {
		return err
	}
	if gated {
		return crawler.NewError(crawler.KindCaptcha, "reopen listing page", crawler.ErrChallengePage)
	}
	return nil
}

func (s *ListingSource) gated(ctx context.Context) (bool, error) {
	for _, k := range s.cfg.ChallengeKeywords {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		found, err := s.session.PageContains(ctx, k)
		if err != nil {
			return false, crawler.NewError(crawler.KindNetwork, "inspect listing page", err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (s *ListingSource) links(ctx context.Context) ([]string, error) {
	script, err := collectScript(s.cfg.LinkSelector)
	if err != nil {
		return nil, err
	}
	result, err := s.session.ExecuteScript(ctx, script)
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, "collect listing links", err)
	}
	raw, ok := result.([]any)
	if !ok && result != nil {
		return nil, crawler.NewError(crawler.KindParsing, "collect listing links", fmt.Errorf("unexpected result %T", result))
	}
	links := make([]string, 0, len(raw))
	for _, v := range raw {
		if link, ok := v.(string); ok && link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

func (s *ListingSource) next(ctx context.Context) (string, error) {
	script, err := nextScript(s.cfg.NextSelector)
	if err != nil {
		return "", err
	}
	result, err := s.session.ExecuteScript(ctx, script)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "find next listing page", err)
	}
	next, _ := result.(string)
	return next, nil
}

// collectScript returns the absolute hrefs of every element matching selector.
func collectScript(selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => el.href || "").filter(Boolean)`, quoted), nil
}

// nextScript returns the href of the next-page link, or "" on the last page.
func nextScript(selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el && el.href ? el.href : ""; })()`, quoted), nil
}
