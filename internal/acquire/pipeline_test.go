package acquire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

const pdfBody = "%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n"

func newTestPipeline(t *testing.T, cfg Config, maxAttempts int, gate crawler.ChallengeGate, mirror crawler.BlobStore) (*Pipeline, *recordingSink) {
	t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	sink := newRecordingSink()
	retry := crawler.NewRetryPolicy(crawler.RetryConfig{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, Multiplier: 1})
	p, err := New(cfg, nil, retry, nil, gate, sink, mirror, nil, nil)
	require.NoError(t, err)
	return p, sink
}

func partialEntries(t *testing.T, p *Pipeline) int {
	t.Helper()
	entries, err := os.ReadDir(p.partial)
	require.NoError(t, err)
	return len(entries)
}

func TestAcquireSucceedsOnLastAttempt(t *testing.T) {
	t.Parallel()

	const maxAttempts = 4
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < maxAttempts {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	p, sink := newTestPipeline(t, Config{}, maxAttempts, nil, nil)
	target := crawler.Target{ID: srv.URL + "/docs/annual-report.pdf"}
	outcome := p.Acquire(context.Background(), target)

	require.Equal(t, crawler.StatusSuccess, outcome.Status, outcome.Detail)
	assert.Equal(t, maxAttempts, outcome.Attempts)
	assert.NotEmpty(t, outcome.Checksum)
	assert.Equal(t, 1, sink.count(crawler.StreamAll))
	assert.Equal(t, 1, sink.count(crawler.StreamGood))
	assert.Equal(t, 0, sink.count(crawler.StreamBad))

	data, err := os.ReadFile(outcome.Path)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, string(data))
	assert.Equal(t, "annual-report", Stem(target.ID))
	assert.Contains(t, filepath.Base(outcome.Path), "annual-report_")
	assert.Equal(t, 0, partialEntries(t, p))
}

func TestAcquireSkipsExistingWithoutNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	p, sink := newTestPipeline(t, Config{}, 3, nil, nil)
	target := crawler.Target{ID: srv.URL + "/a.pdf"}
	dest, err := p.Destination(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dest, []byte(pdfBody), 0o600))

	outcome := p.Acquire(context.Background(), target)
	assert.Equal(t, crawler.StatusSkippedExists, outcome.Status)
	assert.Equal(t, dest, outcome.Path)
	assert.Zero(t, hits.Load())
	assert.Equal(t, 1, sink.count(crawler.StreamAll))
	assert.Equal(t, 1, sink.count(crawler.StreamGood))
	assert.Equal(t, crawler.AuditSkipped, sink.records[crawler.StreamAll][0].Status)
}

func TestAcquireInvalidSignatureIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("GIF89a not a document"))
	}))
	defer srv.Close()

	p, sink := newTestPipeline(t, Config{}, 3, nil, nil)
	target := crawler.Target{ID: srv.URL + "/b.pdf"}
	outcome := p.Acquire(context.Background(), target)

	assert.Equal(t, crawler.StatusInvalidFormat, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrInvalidFormat)
	assert.Equal(t, crawler.KindParsing, crawler.KindOf(outcome.Err))
	assert.Equal(t, int32(1), hits.Load())
	dest, err := p.Destination(target)
	require.NoError(t, err)
	assert.NoFileExists(t, dest)
	assert.Equal(t, 0, partialEntries(t, p))
	assert.Equal(t, 1, sink.count(crawler.StreamAll))
	assert.Equal(t, 1, sink.count(crawler.StreamBad))
	assert.Equal(t, crawler.AuditInvalid, sink.records[crawler.StreamBad][0].Status)
}

func TestAcquireExhaustedReportsLastError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, sink := newTestPipeline(t, Config{}, 3, nil, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/c.pdf"})

	assert.Equal(t, crawler.StatusFailed, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Contains(t, outcome.Detail, "unexpected status 503")
	assert.Equal(t, crawler.KindNetwork, crawler.KindOf(outcome.Err))
	assert.Equal(t, 1, sink.count(crawler.StreamAll))
	assert.Equal(t, 1, sink.count(crawler.StreamBad))
	assert.Equal(t, 0, sink.count(crawler.StreamGood))
}

func TestAcquireClearsChallengeAndRetries(t *testing.T) {
	t.Parallel()

	var cleared atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !cleared.Load() {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><body><img id="captchaImage" src="/captcha.png"></body></html>`))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	gate := &countingGate{onPass: func() { cleared.Store(true) }}
	p, sink := newTestPipeline(t, Config{}, 3, gate, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/d.pdf"})

	require.Equal(t, crawler.StatusSuccess, outcome.Status, outcome.Detail)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, gate.calls)
	assert.Equal(t, 1, sink.count(crawler.StreamGood))
}

func TestAcquireClearedChallengeOnSingleAttempt(t *testing.T) {
	t.Parallel()

	var cleared atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if !cleared.Load() {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<p>Please solve the CAPTCHA</p>`))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	gate := &countingGate{onPass: func() { cleared.Store(true) }}
	p, _ := newTestPipeline(t, Config{}, 1, gate, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/single.pdf"})

	require.Equal(t, crawler.StatusSuccess, outcome.Status, outcome.Detail)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, gate.calls)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAcquireStopsWhenChallengeExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>Please solve the CAPTCHA</p>`))
	}))
	defer srv.Close()

	gate := &countingGate{err: crawler.NewError(crawler.KindCaptcha, "resolve", crawler.ErrChallengeExhausted)}
	p, sink := newTestPipeline(t, Config{}, 3, gate, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/locked.pdf"})

	assert.Equal(t, crawler.StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.ErrorIs(t, outcome.Err, crawler.ErrChallengeExhausted)
	assert.Equal(t, 1, gate.calls)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, sink.count(crawler.StreamBad))
}

func TestAcquireRetriesTransientGateFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>Please solve the CAPTCHA</p>`))
	}))
	defer srv.Close()

	gate := &countingGate{err: crawler.NewError(crawler.KindNetwork, "open challenge page", errMirrorDown)}
	p, _ := newTestPipeline(t, Config{}, 2, gate, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/flaky.pdf"})

	assert.Equal(t, crawler.StatusFailed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, gate.calls)
}

func TestAcquireChallengeWithoutGateFails(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>Please solve the CAPTCHA</p>`))
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, Config{}, 2, nil, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/e.pdf"})

	assert.Equal(t, crawler.StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, crawler.ErrChallengePage)
	assert.Equal(t, crawler.KindCaptcha, crawler.KindOf(outcome.Err))
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAcquireRotatesUserAgents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.UserAgent()]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	agents := []string{"agent-a", "agent-b"}
	p, _ := newTestPipeline(t, Config{UserAgent: "fallback", UserAgents: agents}, 1, nil, nil)
	for i := 0; i < 40; i++ {
		outcome := p.Acquire(context.Background(), crawler.Target{ID: fmt.Sprintf("%s/ua-%d.pdf", srv.URL, i)})
		require.Equal(t, crawler.StatusSuccess, outcome.Status, outcome.Detail)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, seen["fallback"])
	assert.Positive(t, seen["agent-a"])
	assert.Positive(t, seen["agent-b"])
}

func TestAcquireRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, Config{MaxBytes: 8}, 3, nil, nil)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/big.pdf"})
	assert.Equal(t, crawler.StatusInvalidFormat, outcome.Status)
	assert.Equal(t, 0, partialEntries(t, p))
}

func TestAcquireMirrorsArtifact(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(pdfBody))
	}))
	defer srv.Close()

	mirror := &memoryMirror{}
	p, _ := newTestPipeline(t, Config{MirrorPrefix: "portal"}, 1, nil, mirror)
	outcome := p.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/f.pdf"})
	require.Equal(t, crawler.StatusSuccess, outcome.Status)

	key := "portal/" + filepath.Base(outcome.Path)
	assert.Equal(t, pdfBody, string(mirror.objects[key]))

	failing := &memoryMirror{err: errMirrorDown}
	p2, _ := newTestPipeline(t, Config{}, 1, nil, failing)
	outcome = p2.Acquire(context.Background(), crawler.Target{ID: srv.URL + "/g.pdf"})
	assert.Equal(t, crawler.StatusSuccess, outcome.Status)
}

func TestAcquireCancelledContext(t *testing.T) {
	t.Parallel()

	p, sink := newTestPipeline(t, Config{}, 3, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := p.Acquire(ctx, crawler.Target{ID: "http://127.0.0.1:1/h.pdf"})
	assert.Equal(t, crawler.StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	assert.Equal(t, 1, sink.count(crawler.StreamAll))
}

func TestNewRequiresOutputDirAndSink(t *testing.T) {
	t.Parallel()

	retry := crawler.NewRetryPolicy(crawler.RetryConfig{})
	_, err := New(Config{}, nil, retry, nil, nil, newRecordingSink(), nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, crawler.KindConfiguration, crawler.KindOf(err))

	_, err = New(Config{OutputDir: t.TempDir()}, nil, retry, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestNewRemovesStalePartials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, partialDirName), 0o750))
	stale := filepath.Join(dir, partialDirName, "download-123")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o600))

	_, _ = newTestPipeline(t, Config{OutputDir: dir}, 1, nil, nil)
	assert.NoFileExists(t, stale)
}
