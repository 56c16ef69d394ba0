package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ElementHandle identifies a DOM element located by a BrowserSession.
type ElementHandle interface {
	Selector() string
}

// BrowserSession is the single rendered page the resolver drives. Every method
// is fallible; callers wrap failures into an *Error.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	Locate(ctx context.Context, selector string, timeout time.Duration) (ElementHandle, error)
	ReadAttribute(ctx context.Context, handle ElementHandle, name string) (string, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	FillAndSubmit(ctx context.Context, inputSelector, text, submitSelector string) error
	PageContains(ctx context.Context, marker string) (bool, error)
	ExecuteScript(ctx context.Context, code string) (any, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// ChallengeGate clears the portal challenge for subsequent HTTP fetches.
// detectedAt lets a caller skip resolution when another worker already passed
// the gate after the challenge was observed.
type ChallengeGate interface {
	Pass(ctx context.Context, detectedAt time.Time) error
}

// AuditSink receives audit rows. Implementations must be safe for concurrent use.
type AuditSink interface {
	Record(ctx context.Context, stream Stream, record AuditRecord) error
}

// BlobStore mirrors stored artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// OutcomeObserver is notified once per completed target.
type OutcomeObserver interface {
	Observe(ctx context.Context, outcome Outcome)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
