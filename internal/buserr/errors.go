// Package buserr defines the error-kind contract shared across the bus,
// the transport adapters, and the component runtime (spec §7).
//
// Every fallible core operation returns an *Error (or wraps one), so
// callers can branch on Kind with errors.As instead of matching strings.
package buserr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds spec.md §7 names.
type Kind string

const (
	NoHandler      Kind = "no_handler"
	Expired        Kind = "expired"
	Rejected       Kind = "rejected"
	HandlerError   Kind = "handler_error"
	Timeout        Kind = "timeout"
	Cancelled      Kind = "cancelled"
	WireError      Kind = "wire_error"
	InvalidFrame   Kind = "invalid_frame"
	ConfigError    Kind = "config_error"
	LifecycleError Kind = "lifecycle_error"
	NotConnected   Kind = "not_connected"
)

// Error is the core error type. Cause may be nil.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, buserr.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the error kind is retryable by default. Timeout
// is retryable unless the caller's retry policy explicitly excludes it;
// Rejected and Cancelled are never retried by the bus itself.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout, WireError, HandlerError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is (or wraps) a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Composite aggregates multiple per-handler failures from a Publish call.
type Composite struct {
	Failures map[string]error // handler label -> error
}

func (c *Composite) Error() string {
	return fmt.Sprintf("%d handler(s) failed", len(c.Failures))
}

func (c *Composite) Unwrap() []error {
	errs := make([]error, 0, len(c.Failures))
	for _, e := range c.Failures {
		errs = append(errs, e)
	}
	return errs
}
