// Package resilience wraps calls to flaky external dependencies with a circuit
// breaker and bounded exponential retry, plus the error taxonomy both consult.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorType classifies an external-call failure for retry and reporting decisions.
type ErrorType string

const (
	// TypeTransient covers network blips, timeouts, and 5xx responses.
	TypeTransient ErrorType = "transient"
	// TypeRateLimit covers HTTP 429 and provider quota errors.
	TypeRateLimit ErrorType = "rate_limit"
	// TypeAuth covers credential and permission failures. Never retried.
	TypeAuth ErrorType = "auth"
	// TypeBadRequest covers malformed input the dependency rejected. Never retried.
	TypeBadRequest ErrorType = "bad_request"
	// TypeUnknown is the fallback classification.
	TypeUnknown ErrorType = "unknown"
)

// Error is a classified external-call error. Executor clients map provider SDK
// failures into this type so retry and breaker decisions are uniform.
type Error struct {
	Type       ErrorType
	StatusCode int
	Msg        string
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("%s (%d): %s: %v", e.Type, e.StatusCode, e.Msg, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Msg, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error with a message.
func NewError(t ErrorType, msg string) *Error {
	return &Error{Type: t, Msg: msg}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status code.
func NewErrorWithStatus(t ErrorType, status int, msg string) *Error {
	return &Error{Type: t, StatusCode: status, Msg: msg}
}

// NewErrorWithCause creates a classified error wrapping an underlying cause.
func NewErrorWithCause(t ErrorType, cause error, msg string) *Error {
	return &Error{Type: t, Msg: msg, Cause: cause}
}

// PermanentError marks an error as non-retryable regardless of classification.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Retryable reports false for it. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable is the default transient-error classifier: connection reset/refused,
// timeouts, and HTTP 429/5xx are retryable; auth and bad-request failures are not;
// everything unclassified is retryable by default, the conservative choice for a
// relay that would rather retry once too often than drop a user's request.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}

	// A cancelled caller must never be retried against; a deadline is a timeout.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var classified *Error
	if errors.As(err, &classified) {
		switch classified.Type {
		case TypeAuth, TypeBadRequest:
			return false
		case TypeTransient, TypeRateLimit:
			return true
		}
		if classified.StatusCode != 0 {
			return retryableStatus(classified.StatusCode)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		case syscall.EACCES, syscall.EPERM, syscall.ENOENT:
			return false
		}
	}

	return true
}

// TypeOf reports the taxonomy bucket for an error, for step-error reporting.
func TypeOf(err error) ErrorType {
	if err == nil {
		return TypeUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Type
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TypeTransient
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return TypeTransient
		}
	}

	return TypeUnknown
}

func retryableStatus(status int) bool {
	if status == 429 {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	if status >= 400 && status < 500 {
		return false
	}
	return true
}
