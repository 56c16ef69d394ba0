// Package metrics exposes Prometheus collectors for the document crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_outcomes_total",
			Help: "Total number of terminal target outcomes, labeled by status.",
		},
		[]string{"status"},
	)

	challengeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_challenge_attempts_total",
			Help: "Total number of challenge attempts, labeled by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	challengeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docharvest_challenge_duration_seconds",
			Help:    "Histogram of challenge attempt durations, labeled by strategy.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"strategy"},
	)

	challengesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docharvest_challenges_detected_total",
			Help: "Total number of downloads that landed on a challenge page.",
		},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docharvest_download_bytes_total",
			Help: "Total number of document bytes committed to the output directory.",
		},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_fetch_retries_total",
			Help: "Total number of failed download attempts that were retried, labeled by error kind.",
		},
		[]string{"kind"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docharvest_active_workers",
			Help: "Number of workers currently processing a target.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docharvest_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts a terminal outcome.
func ObserveOutcome(status string) {
	outcomesTotal.WithLabelValues(status).Inc()
}

// ObserveChallengeAttempt records one resolver attempt. result is one of
// "solved", "rejected" or "error".
func ObserveChallengeAttempt(strategy, result string, elapsed time.Duration) {
	challengeAttemptsTotal.WithLabelValues(strategy, result).Inc()
	challengeDurationSeconds.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveChallengeDetected counts a download that hit the challenge page.
func ObserveChallengeDetected() {
	challengesDetectedTotal.Inc()
}

// ObserveDownloadBytes adds committed document bytes.
func ObserveDownloadBytes(n int64) {
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
}

// ObserveFetchRetry counts a failed attempt that will be retried.
func ObserveFetchRetry(kind string) {
	fetchRetriesTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
