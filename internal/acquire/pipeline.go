// Package acquire downloads, validates and stores one document per target,
// classifying every call into exactly one audited outcome.
package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
	"github.com/JakeFAU/docharvest/internal/hash/sha256"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/policy/rotation"
)

const partialDirName = ".partial"

// errChallengeCleared marks a fetch that hit the challenge page and then
// cleared it. The same attempt fetches once more with the cleared session.
var errChallengeCleared = errors.New("challenge cleared")

// Config controls download behavior.
type Config struct {
	OutputDir string
	// Timeout bounds a single request including the body transfer.
	Timeout              time.Duration
	Signature            string
	Extension            string
	MaxBytes             int64
	StructuralValidation bool
	// UserAgent is sent when UserAgents is empty.
	UserAgent string
	// UserAgents are rotated per request.
	UserAgents           []string
	ChallengeKeywords    []string
	MirrorPrefix         string
	ContentType          string
}

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Pipeline implements the acquisition of a single target.
type Pipeline struct {
	cfg       Config
	client    *http.Client
	retry     crawler.RetryPolicy
	limiter   Limiter
	gate      crawler.ChallengeGate
	audit     crawler.AuditSink
	mirror    crawler.BlobStore
	clock     crawler.Clock
	logger    *zap.Logger
	namer     *Namer
	validator *Validator
	detector  *ChallengeDetector
	hasher    *sha256.Hasher
	agents    *rotation.UserAgents
	partial   string
}

// New constructs a Pipeline and prepares the output directory. gate, limiter
// and mirror may be nil.
func New(
	cfg Config,
	client *http.Client,
	retry crawler.RetryPolicy,
	limiter Limiter,
	gate crawler.ChallengeGate,
	audit crawler.AuditSink,
	mirror crawler.BlobStore,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Pipeline, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "new pipeline", errors.New("output directory is required"))
	}
	if audit == nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "new pipeline", errors.New("audit sink is required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Extension == "" {
		cfg.Extension = ".pdf"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/pdf"
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	partial := filepath.Join(cfg.OutputDir, partialDirName)
	if err := os.MkdirAll(partial, 0o750); err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "prepare output directory", err)
	}
	removeStalePartials(partial, logger)
	return &Pipeline{
		cfg:       cfg,
		client:    client,
		retry:     retry,
		limiter:   limiter,
		gate:      gate,
		audit:     audit,
		mirror:    mirror,
		clock:     clock,
		logger:    logger,
		namer:     NewNamer(cfg.OutputDir, cfg.Extension),
		validator: NewValidator(cfg.Signature, cfg.StructuralValidation),
		detector:  NewChallengeDetector(cfg.ChallengeKeywords),
		hasher:    sha256.New(),
		agents:    rotation.NewUserAgents(cfg.UserAgent, cfg.UserAgents),
		partial:   partial,
	}, nil
}

// Destination returns the path a target is stored at.
func (p *Pipeline) Destination(target crawler.Target) (string, error) {
	return p.namer.Reserve(target.ID)
}

// Acquire fetches target, validates it and stores it. The outcome is written
// to the audit sink exactly once before Acquire returns.
func (p *Pipeline) Acquire(ctx context.Context, target crawler.Target) crawler.Outcome {
	outcome := p.acquire(ctx, target)
	p.Record(ctx, outcome)
	return outcome
}

// Record writes outcome to the all stream and to the good or bad stream.
func (p *Pipeline) Record(ctx context.Context, outcome crawler.Outcome) {
	record := crawler.AuditRecord{
		TargetID:  outcome.TargetID,
		Status:    outcome.Status.AuditStatus(),
		Timestamp: p.clock.Now(),
		Detail:    outcome.Detail,
	}
	// Audit rows must outlive a cancelled crawl.
	auditCtx := context.WithoutCancel(ctx)
	if err := p.audit.Record(auditCtx, crawler.StreamAll, record); err != nil {
		p.logger.Error("audit write failed", zap.String("target", outcome.TargetID), zap.Error(err))
	}
	stream := crawler.StreamBad
	if outcome.Status.Good() {
		stream = crawler.StreamGood
	}
	if err := p.audit.Record(auditCtx, stream, record); err != nil {
		p.logger.Error("audit write failed", zap.String("target", outcome.TargetID), zap.Error(err))
	}
}

func (p *Pipeline) acquire(ctx context.Context, target crawler.Target) crawler.Outcome {
	logger := p.logger.With(zap.String("target", target.ID))
	dest, err := p.namer.Reserve(target.ID)
	if err != nil {
		return failed(target, 0, err)
	}
	if _, err := os.Stat(dest); err == nil {
		logger.Debug("artifact already present", zap.String("path", dest))
		return crawler.Outcome{
			TargetID: target.ID,
			Status:   crawler.StatusSkippedExists,
			Path:     dest,
			Detail:   "already downloaded",
		}
	}

	maxAttempts := p.retry.MaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return failed(target, attempt-1, fmt.Errorf("acquire interrupted: %w", err))
		}
		tmp, err := p.download(ctx, target)
		if errors.Is(err, errChallengeCleared) {
			tmp, err = p.download(ctx, target)
		}
		if err == nil {
			return p.commit(ctx, target, attempt, tmp, dest)
		}
		if errors.Is(err, ErrInvalidFormat) {
			logger.Warn("download rejected", zap.Error(err))
			return crawler.Outcome{
				TargetID: target.ID,
				Status:   crawler.StatusInvalidFormat,
				Attempts: attempt,
				Detail:   err.Error(),
				Err:      crawler.NewError(crawler.KindParsing, "validate", err),
			}
		}
		lastErr = err
		kind := crawler.KindOf(err)
		logger.Warn("download attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if ctx.Err() != nil || !retryable(kind) || p.challengeIsFinal(err) {
			return failed(target, attempt, err)
		}
		if !p.retry.ShouldRetry(attempt, maxAttempts) {
			break
		}
		metrics.ObserveFetchRetry(string(kind))
		if errors.Is(err, errChallengeCleared) {
			continue
		}
		if err := sleepCtx(ctx, p.retry.Delay(attempt)); err != nil {
			return failed(target, attempt, fmt.Errorf("acquire interrupted: %w", err))
		}
	}
	return failed(target, maxAttempts, lastErr)
}

// download performs one attempt and returns the path of a validated temp file.
func (p *Pipeline) download(ctx context.Context, target crawler.Target) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, target.ID); err != nil {
			return "", crawler.NewError(crawler.KindNetwork, "rate limit", err)
		}
	}
	started := p.clock.Now()
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.ID, nil)
	if err != nil {
		return "", crawler.NewError(crawler.KindParsing, "build request", err)
	}
	if ua := p.agents.Pick(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "fetch", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", crawler.NewError(crawler.KindNetwork, "fetch", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body := io.Reader(resp.Body)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || LooksLikeHTML(contentType, nil) {
		head, err := io.ReadAll(io.LimitReader(resp.Body, challengePeekBytes))
		if err != nil {
			return "", crawler.NewError(crawler.KindNetwork, "read body", err)
		}
		if p.detector.IsChallenge(contentType, head) {
			return "", p.passGate(ctx, started)
		}
		body = io.MultiReader(bytes.NewReader(head), resp.Body)
	}
	return p.spool(body)
}

func (p *Pipeline) passGate(ctx context.Context, detectedAt time.Time) error {
	metrics.ObserveChallengeDetected()
	if p.gate == nil {
		return crawler.NewError(crawler.KindCaptcha, "fetch", crawler.ErrChallengePage)
	}
	p.logger.Info("challenge page returned, clearing gate")
	if err := p.gate.Pass(ctx, detectedAt); err != nil {
		return crawler.NewError(crawler.KindCaptcha, "pass challenge", err)
	}
	return crawler.NewError(crawler.KindCaptcha, "fetch", fmt.Errorf("%w: %w", crawler.ErrChallengePage, errChallengeCleared))
}

// challengeIsFinal reports whether a challenge failure cannot change on a
// later attempt: the resolver ran out of attempts, or there is no gate.
func (p *Pipeline) challengeIsFinal(err error) bool {
	if errors.Is(err, crawler.ErrChallengeExhausted) {
		return true
	}
	return p.gate == nil && errors.Is(err, crawler.ErrChallengePage)
}

// spool streams body into a temp file under the partial directory, syncs it
// and validates it. The temp file is removed on any failure.
func (p *Pipeline) spool(body io.Reader) (path string, err error) {
	tmp, err := os.CreateTemp(p.partial, "download-*")
	if err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "create temp file", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	reader := body
	if p.cfg.MaxBytes > 0 {
		reader = io.LimitReader(body, p.cfg.MaxBytes+1)
	}
	n, err := io.Copy(tmp, reader)
	if err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "stream body", err)
	}
	if p.cfg.MaxBytes > 0 && n > p.cfg.MaxBytes {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidFormat, p.cfg.MaxBytes)
	}
	if err = tmp.Sync(); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "sync temp file", err)
	}
	if err = tmp.Close(); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "close temp file", err)
	}
	if err = p.validator.Check(tmp.Name()); err != nil {
		if errors.Is(err, ErrInvalidFormat) {
			return "", err
		}
		return "", crawler.NewError(crawler.KindFileIO, "validate", err)
	}
	return tmp.Name(), nil
}

func (p *Pipeline) commit(ctx context.Context, target crawler.Target, attempt int, tmp, dest string) crawler.Outcome {
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return failed(target, attempt, crawler.NewError(crawler.KindFileIO, "commit artifact", err))
	}
	checksum, err := p.hasher.HashFile(dest)
	if err != nil {
		p.logger.Warn("checksum failed", zap.String("path", dest), zap.Error(err))
	}
	if info, err := os.Stat(dest); err == nil {
		metrics.ObserveDownloadBytes(info.Size())
	}
	p.mirrorArtifact(ctx, dest)
	p.logger.Info("artifact stored",
		zap.String("target", target.ID),
		zap.String("path", dest),
		zap.Int("attempts", attempt),
	)
	return crawler.Outcome{
		TargetID: target.ID,
		Status:   crawler.StatusSuccess,
		Path:     dest,
		Attempts: attempt,
		Checksum: checksum,
	}
}

func (p *Pipeline) mirrorArtifact(ctx context.Context, dest string) {
	if p.mirror == nil {
		return
	}
	f, err := os.Open(dest) //nolint:gosec // committed artifact
	if err != nil {
		p.logger.Warn("mirror open failed", zap.String("path", dest), zap.Error(err))
		return
	}
	defer func() {
		_ = f.Close()
	}()
	key := strings.TrimPrefix(filepath.ToSlash(filepath.Join(p.cfg.MirrorPrefix, filepath.Base(dest))), "/")
	uri, err := p.mirror.PutObject(ctx, key, p.cfg.ContentType, f)
	if err != nil {
		p.logger.Warn("mirror upload failed", zap.String("path", dest), zap.Error(err))
		return
	}
	p.logger.Debug("artifact mirrored", zap.String("uri", uri))
}

// removeStalePartials deletes temp files left by an interrupted run.
func removeStalePartials(dir string, logger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("list partial downloads", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			logger.Warn("remove partial download", zap.String("name", e.Name()), zap.Error(err))
		}
	}
}

func failed(target crawler.Target, attempts int, err error) crawler.Outcome {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return crawler.Outcome{
		TargetID: target.ID,
		Status:   crawler.StatusFailed,
		Attempts: attempts,
		Detail:   detail,
		Err:      err,
	}
}

// retryable reports whether an attempt failing with kind may be retried.
// Local storage and page-structure failures are not.
func retryable(kind crawler.ErrorKind) bool {
	switch kind {
	case crawler.KindFileIO, crawler.KindParsing, crawler.KindConfiguration:
		return false
	default:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
