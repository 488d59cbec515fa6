// Package flowerr provides the error taxonomy for the flow orchestration
// service. Every rejection carries a kind and a stable machine-readable code
// so callers can decide retry versus surface-to-human without string
// matching.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error for handling purposes.
type Kind int

const (
	// KindUnknown is the zero value for errors that did not originate here.
	KindUnknown Kind = iota
	// KindNotFound covers both a missing flow and a tenant mismatch; the two
	// must be indistinguishable to prevent tenant enumeration.
	KindNotFound
	// KindConflict signals a concurrent phase execution attempt.
	KindConflict
	// KindValidation signals malformed phase input or an invalid transition.
	KindValidation
	// KindExecutorUnavailable signals the mandatory external phase-execution
	// capability is missing. Never silently degraded.
	KindExecutorUnavailable
	// KindTransientExecution signals a retryable executor failure.
	KindTransientExecution
	// KindPermanentExecution signals a non-retryable business failure.
	KindPermanentExecution
	// KindDuplicateFlow signals a create with an idempotency key that already
	// exists for the tenant.
	KindDuplicateFlow
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindExecutorUnavailable:
		return "executor_unavailable"
	case KindTransientExecution:
		return "transient_execution"
	case KindPermanentExecution:
		return "permanent_execution"
	case KindDuplicateFlow:
		return "duplicate_flow"
	default:
		return "unknown"
	}
}

// Code returns the stable machine-readable code for a Kind.
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "FLOW_NOT_FOUND"
	case KindConflict:
		return "PHASE_CONFLICT"
	case KindValidation:
		return "INVALID_REQUEST"
	case KindExecutorUnavailable:
		return "EXECUTOR_UNAVAILABLE"
	case KindTransientExecution:
		return "EXECUTION_TRANSIENT"
	case KindPermanentExecution:
		return "EXECUTION_PERMANENT"
	case KindDuplicateFlow:
		return "DUPLICATE_FLOW"
	default:
		return "INTERNAL"
	}
}

// Error wraps an underlying error with its classification.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code for an error chain.
func CodeOf(err error) string { return KindOf(err).Code() }

// IsNotFound reports whether err is a not-found/tenant-mismatch rejection.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a concurrent-execution rejection.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// Retryable reports whether the error kind permits automatic retry.
func Retryable(err error) bool { return KindOf(err) == KindTransientExecution }
