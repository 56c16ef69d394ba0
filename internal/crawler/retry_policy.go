package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// maxRetryDelay caps the exponential term before jitter.
const maxRetryDelay = time.Hour

// RetryPolicy maps an attempt number to a backoff delay. Attempts are
// 1-indexed.
type RetryPolicy struct {
	cfg    RetryConfig
	jitter func(limit time.Duration) time.Duration
}

// NewRetryPolicy builds a policy from cfg, filling zero values with defaults.
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return RetryPolicy{cfg: cfg, jitter: randomJitter}
}

// WithJitterSource replaces the jitter source. Tests use it to make Delay deterministic.
func (p RetryPolicy) WithJitterSource(fn func(limit time.Duration) time.Duration) RetryPolicy {
	p.jitter = fn
	return p
}

// MaxAttempts returns the configured attempt budget.
func (p RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Delay returns base * multiplier^(attempt-1), capped at one hour, plus up to
// Jitter of random delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	d := time.Duration(delay)
	if p.cfg.Jitter > 0 && p.jitter != nil {
		d += p.jitter(p.cfg.Jitter)
	}
	return d
}

// ShouldRetry reports whether another attempt follows attempt.
func (p RetryPolicy) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
