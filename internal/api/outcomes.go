package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
	// DefaultOutcomeCapacity bounds the outcomes kept for the API.
	DefaultOutcomeCapacity = 1000
)

// OutcomeLog keeps the most recent outcomes in a ring. It implements
// crawler.OutcomeObserver.
type OutcomeLog struct {
	mu    sync.Mutex
	clock crawler.Clock
	ring  []outcomeDTO
	next  int
	full  bool
}

type outcomeDTO struct {
	TargetID   string    `json:"target_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Path       string    `json:"path,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// NewOutcomeLog returns a log holding up to capacity outcomes.
func NewOutcomeLog(capacity int, clock crawler.Clock) *OutcomeLog {
	if capacity <= 0 {
		capacity = DefaultOutcomeCapacity
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &OutcomeLog{clock: clock, ring: make([]outcomeDTO, capacity)}
}

// Observe implements crawler.OutcomeObserver.
func (l *OutcomeLog) Observe(_ context.Context, o crawler.Outcome) {
	dto := outcomeDTO{
		TargetID:   o.TargetID,
		Status:     string(o.Status),
		Attempts:   o.Attempts,
		Path:       o.Path,
		Detail:     o.Detail,
		Checksum:   o.Checksum,
		ObservedAt: l.clock.Now(),
	}
	if o.Err != nil {
		dto.Error = o.Err.Error()
		dto.ErrorKind = string(crawler.KindOf(o.Err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = dto
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns outcomes newest first, optionally filtered by status.
func (l *OutcomeLog) recent(status string, limit, offset int) []outcomeDTO {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	out := make([]outcomeDTO, 0, min(limit, n))
	skipped := 0
	for i := 1; i <= n && len(out) < limit; i++ {
		dto := l.ring[(l.next-i+len(l.ring))%len(l.ring)]
		if status != "" && dto.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, dto)
	}
	return out
}

// listOutcomes handles GET /v1/outcomes?status=&limit=&offset=. It returns
// {"outcomes": [...]} newest first, 400 for invalid filters, or 503 when no
// log is attached.
func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome log unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultOutcomeLimit, maxOutcomeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": s.outcomes.recent(status, limit, offset),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (string, error) {
	switch s := crawler.OutcomeStatus(strings.ToLower(strings.TrimSpace(input))); s {
	case "":
		return "", nil
	case crawler.StatusSuccess, crawler.StatusSkippedExists, crawler.StatusInvalidFormat, crawler.StatusFailed:
		return string(s), nil
	default:
		return "", errors.New("invalid status")
	}
}
