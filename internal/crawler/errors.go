package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse error taxonomy used for logging, retry decisions and
// audit details.
type ErrorKind string

// Error kinds.
const (
	KindNetwork       ErrorKind = "network"
	KindParsing       ErrorKind = "parsing"
	KindFileIO        ErrorKind = "file_io"
	KindConfiguration ErrorKind = "configuration"
	KindCaptcha       ErrorKind = "captcha"
	KindUnknown       ErrorKind = "unknown"
)

var (
	// ErrWrongSolution reports that the portal rejected a challenge solution.
	ErrWrongSolution = errors.New("challenge solution rejected")
	// ErrChallengeExhausted reports that every resolution attempt was used up.
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	// ErrChallengePage reports that a fetch returned the challenge page instead of the document.
	ErrChallengePage = errors.New("challenge page returned")
)

// Error attaches a kind and an operation name to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with kind and op. A nil err yields nil.
func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
