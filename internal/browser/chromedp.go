// Package browser drives the single rendered portal page through chromedp.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// Config controls the browser process.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// ProxyServer routes all tab traffic, for example "http://proxy:8080".
	ProxyServer string
	// Headers are sent with every request the tab makes.
	Headers http.Header
}

type element struct {
	selector string
}

func (e element) Selector() string { return e.selector }

// Session implements crawler.BrowserSession on one Chrome tab. Actions are
// serialized; selectors may be CSS or XPath.
type Session struct {
	cfg           Config
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// New starts Chrome and opens the tab.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	setup := []chromedp.Action{network.Enable()}
	if len(cfg.Headers) > 0 {
		setup = append(setup, network.SetExtraHTTPHeaders(toNetworkHeaders(cfg.Headers)))
	}
	if cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if err := chromedp.Run(browserCtx, setup...); err != nil {
		browserCancel()
		allocCancel()
		return nil, crawler.NewError(crawler.KindConfiguration, "start browser", err)
	}
	logger.Info("browser started", zap.Bool("headless", cfg.Headless), zap.Bool("proxied", cfg.ProxyServer != ""))
	return &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// Close shuts down the tab and the browser process.
func (s *Session) Close() {
	s.browserCancel()
	s.allocCancel()
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// Navigate loads url and waits for the body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Locate waits up to timeout for selector to be visible.
func (s *Session) Locate(ctx context.Context, selector string, timeout time.Duration) (crawler.ElementHandle, error) {
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout
	}
	if err := s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.BySearch)); err != nil {
		return nil, fmt.Errorf("locate %q: %w", selector, err)
	}
	return element{selector: selector}, nil
}

// ReadAttribute returns attribute name of the located element.
func (s *Session) ReadAttribute(ctx context.Context, handle crawler.ElementHandle, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.AttributeValue(handle.Selector(), name, &value, &ok, chromedp.BySearch),
	)
	if err != nil {
		return "", fmt.Errorf("read %s of %q: %w", name, handle.Selector(), err)
	}
	if !ok {
		return "", fmt.Errorf("element %q has no %s attribute", handle.Selector(), name)
	}
	return value, nil
}

// FetchBytes downloads url from inside the page so the request carries the
// tab's cookies and referrer.
func (s *Session) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	script, err := fetchScript(url)
	if err != nil {
		return nil, err
	}
	var encoded string
	err = s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Evaluate(script, &encoded, awaitPromise),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s in page: %w", url, err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fetched bytes: %w", err)
	}
	return data, nil
}

// FillAndSubmit replaces the input's value with text and clicks submit.
func (s *Session) FillAndSubmit(ctx context.Context, inputSelector, text, submitSelector string) error {
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.WaitVisible(inputSelector, chromedp.BySearch),
		chromedp.SetValue(inputSelector, "", chromedp.BySearch),
		chromedp.SendKeys(inputSelector, text, chromedp.BySearch),
		chromedp.Click(submitSelector, chromedp.BySearch),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit via %q: %w", submitSelector, err)
	}
	return nil
}

// PageContains reports whether the rendered document contains marker.
func (s *Session) PageContains(ctx context.Context, marker string) (bool, error) {
	var html string
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return false, fmt.Errorf("read page: %w", err)
	}
	return strings.Contains(html, marker), nil
}

// ExecuteScript evaluates code and returns its JSON-decoded result. Promises
// are awaited.
func (s *Session) ExecuteScript(ctx context.Context, code string) (any, error) {
	var result any
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Evaluate(code, &result, awaitPromise)); err != nil {
		return nil, fmt.Errorf("execute script: %w", err)
	}
	return result, nil
}

// Cookies returns the tab's cookies for every domain.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func fetchScript(url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("fetch url is empty")
	}
	quoted, err := json.Marshal(url)
	if err != nil {
		return "", fmt.Errorf("quote url: %w", err)
	}
	return fmt.Sprintf(`(async () => {
	const resp = await fetch(%s, {credentials: "include"});
	if (!resp.ok) { throw new Error("status " + resp.status); }
	const bytes = new Uint8Array(await resp.arrayBuffer());
	let binary = "";
	for (let i = 0; i < bytes.length; i += 0x8000) {
		binary += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
	}
	return btoa(binary);
})()`, quoted), nil
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		// Session cookies carry a negative expiry.
		if c.Expires > 0 && !c.Session {
			sec, frac := math.Modf(c.Expires)
			cookie.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, cookie)
	}
	return out
}
