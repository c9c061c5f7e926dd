package flex

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions adapter failures into the classes the orchestrator
// translates into deterministic run error codes.
type ErrorKind int

const (
	// KindRequest is a request-phase contract failure during SendRequest handling
	KindRequest ErrorKind = iota
	// KindStatement is a statement-phase failure during GetStatement polling or parsing
	KindStatement
	// KindTokenExpired is an expired token failure (upstream code 1012)
	KindTokenExpired
	// KindTokenInvalid is an invalid token failure (upstream code 1015)
	KindTokenInvalid
	// KindPollTimeout means the statement was not ready after all retries
	KindPollTimeout
	// KindConnection is a transport-level connectivity failure
	KindConnection
	// KindTimeout is a per-request transport timeout
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindStatement:
		return "statement"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenInvalid:
		return "token_invalid"
	case KindPollTimeout:
		return "poll_timeout"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a typed adapter failure. Code carries the upstream Flex error code
// when one was present; RetryAfter carries the code-specific floor for
// retryable poll conditions.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("flex %s error: code=%s, message=%s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("flex %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a typed adapter error, routing token codes to their
// dedicated kinds regardless of the phase that observed them.
func newError(kind ErrorKind, code, message string, cause error) *Error {
	switch code {
	case CodeTokenExpired:
		kind = KindTokenExpired
	case CodeInvalidToken:
		kind = KindTokenInvalid
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// AsFlexError extracts a typed adapter error from an error chain.
func AsFlexError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
