// Package rotation spreads outgoing requests across the configured user
// agents and proxies.
package rotation

import (
	"math/rand/v2"
	"strings"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// UserAgents picks a user agent per request. It is safe for concurrent use.
type UserAgents struct {
	list []string
}

// NewUserAgents keeps the non-blank entries of list. When none remain, every
// Pick returns fallback.
func NewUserAgents(fallback string, list []string) *UserAgents {
	agents := make([]string, 0, len(list))
	for _, ua := range list {
		if ua = strings.TrimSpace(ua); ua != "" {
			agents = append(agents, ua)
		}
	}
	if len(agents) == 0 && strings.TrimSpace(fallback) != "" {
		agents = append(agents, strings.TrimSpace(fallback))
	}
	return &UserAgents{list: agents}
}

// Pick returns a uniformly chosen user agent, or "" when none is configured.
func (u *UserAgents) Pick() string {
	switch len(u.list) {
	case 0:
		return ""
	case 1:
		return u.list[0]
	default:
		return u.list[rand.IntN(len(u.list))]
	}
}

// Len returns the number of user agents in rotation.
func (u *UserAgents) Len() int { return len(u.list) }

// Proxies returns a round-robin proxy function over urls, usable both as
// http.Transport.Proxy and as a colly proxy func. It returns nil when urls has
// no non-blank entry.
func Proxies(urls []string) (colly.ProxyFunc, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	fn, err := proxy.RoundRobinProxySwitcher(cleaned...)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "parse proxies", err)
	}
	return fn, nil
}
