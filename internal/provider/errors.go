package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass partitions provider failures by how the caller should react.
type ErrorClass int

const (
	// ClassTransient covers timeouts, 5xx and rate limiting — safe to retry
	// via backoff or the poll scheduler.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers validation/4xx rejections — do not retry.
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by every adapter call.
type Error struct {
	Provider string
	Op       string
	Class    ErrorClass
	Status   int // HTTP status when applicable, 0 otherwise
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: %s (status %d): %v", e.Provider, e.Op, e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(providerName, op string, status int, err error) *Error {
	return &Error{Provider: providerName, Op: op, Class: ClassTransient, Status: status, Err: err}
}

// Permanent wraps err as a non-retryable provider rejection.
func Permanent(providerName, op string, status int, err error) *Error {
	return &Error{Provider: providerName, Op: op, Class: ClassPermanent, Status: status, Err: err}
}

// IsTransient reports whether err is a retryable provider failure. Network
// timeouts and cancelled contexts count as transient even when they were not
// wrapped by an adapter.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class == ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is a provider rejection that must not be retried.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class == ClassPermanent
	}
	return false
}
