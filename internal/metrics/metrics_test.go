package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveChallengeAttempt(t *testing.T) {
	before := testutil.ToFloat64(challengeAttemptsTotal.WithLabelValues("human", "rejected"))
	ObserveChallengeAttempt("human", "rejected", 2*time.Second)
	after := testutil.ToFloat64(challengeAttemptsTotal.WithLabelValues("human", "rejected"))
	assert.InDelta(t, 1, after-before, 0.0001)
	assert.Positive(t, testutil.CollectAndCount(challengeDurationSeconds))
}

func TestObserveOutcomeAndBytes(t *testing.T) {
	before := testutil.ToFloat64(outcomesTotal.WithLabelValues("success"))
	ObserveOutcome("success")
	assert.InDelta(t, 1, testutil.ToFloat64(outcomesTotal.WithLabelValues("success"))-before, 0.0001)

	bytesBefore := testutil.ToFloat64(downloadBytesTotal)
	ObserveDownloadBytes(0)
	ObserveDownloadBytes(512)
	assert.InDelta(t, 512, testutil.ToFloat64(downloadBytesTotal)-bytesBefore, 0.0001)
}

func TestActiveWorkersGauge(t *testing.T) {
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	assert.InDelta(t, 1, testutil.ToFloat64(activeWorkers)-before, 0.0001)
	DecActiveWorkers()
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
