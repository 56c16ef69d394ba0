package crawler

import (
	"time"
)

// Target is a document the portal exposes for download. It is immutable once
// produced by a target source.
type Target struct {
	// ID is the canonical URL (or resource key) of the document.
	ID           string    `json:"id"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// OutcomeStatus classifies the terminal result of acquiring a target.
type OutcomeStatus string

// Outcome statuses written once per processed target.
const (
	StatusSuccess       OutcomeStatus = "success"
	StatusSkippedExists OutcomeStatus = "skipped-exists"
	StatusInvalidFormat OutcomeStatus = "invalid-format"
	StatusFailed        OutcomeStatus = "failed"
)

// Good reports whether the status belongs to the good audit stream.
func (s OutcomeStatus) Good() bool {
	return s == StatusSuccess || s == StatusSkippedExists
}

// AuditStatus maps the outcome status to the string written in audit rows.
func (s OutcomeStatus) AuditStatus() AuditStatus {
	switch s {
	case StatusSuccess:
		return AuditSuccess
	case StatusSkippedExists:
		return AuditSkipped
	case StatusInvalidFormat:
		return AuditInvalid
	default:
		return AuditFailed
	}
}

// Outcome is the result of one acquisition. It is the unit written to the
// audit sink and counted by the worker pool.
type Outcome struct {
	TargetID string        `json:"target_id"`
	Status   OutcomeStatus `json:"status"`
	Path     string        `json:"path,omitempty"`
	Attempts int           `json:"attempts"`
	Detail   string        `json:"detail,omitempty"`
	Checksum string        `json:"checksum,omitempty"`
	// Err carries the last error for failed outcomes. It is not serialized.
	Err error `json:"-"`
}

// Strategy is the closed set of challenge-solving strategies.
type Strategy int

// Supported strategies.
const (
	StrategyRemoteService Strategy = iota + 1
	StrategyHuman
)

func (s Strategy) String() string {
	switch s {
	case StrategyRemoteService:
		return "remote-service"
	case StrategyHuman:
		return "human"
	default:
		return "unknown"
	}
}

// ChallengeAttempt describes a single pass through the resolver loop.
type ChallengeAttempt struct {
	Ordinal  int
	Strategy Strategy
	Solution string
	// Err is nil when the portal accepted the solution.
	Err     error
	Elapsed time.Duration
}

// RetryConfig is shared, read-only retry configuration.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// AuditStatus is the status string written to audit rows.
type AuditStatus string

// Audit status values. AuditAttempting belongs to the row vocabulary read by
// downstream tools, but the pipeline writes only terminal rows: one all row per
// Acquire call, never an in-progress one.
const (
	AuditAttempting AuditStatus = "Attempting"
	AuditSkipped    AuditStatus = "Skipped"
	AuditSuccess    AuditStatus = "Success"
	AuditFailed     AuditStatus = "Failed"
	AuditInvalid    AuditStatus = "Invalid"
)

// Stream names one of the three audit record streams.
type Stream string

// Audit streams.
const (
	StreamAll  Stream = "all"
	StreamGood Stream = "good"
	StreamBad  Stream = "bad"
)

// AuditRecord is one row of an audit stream.
type AuditRecord struct {
	TargetID  string
	Status    AuditStatus
	Timestamp time.Time
	Detail    string
}

// Row renders the record in its [target, status, timestamp, detail] form.
func (r AuditRecord) Row() []string {
	return []string{r.TargetID, string(r.Status), r.Timestamp.UTC().Format(time.RFC3339), r.Detail}
}
