// Package coreerrors defines the error taxonomy shared by every core
// component. Components never return ad-hoc error strings for conditions a
// caller needs to branch on; they return a *CoreError carrying one of the
// Kinds below.
package coreerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed. Kinds are stable across releases;
// callers should switch on Kind rather than matching error message text.
type Kind string

const (
	// NotFound indicates a model, queue, or job could not be located.
	NotFound Kind = "not_found"
	// Validation indicates malformed input (bad params, bad schedule, etc).
	Validation Kind = "validation"
	// Security indicates a file failed the model security screen.
	Security Kind = "security"
	// Backend indicates an engine-specific load or inference failure.
	Backend Kind = "backend"
	// Resource indicates insufficient memory, slots, or workers.
	Resource Kind = "resource"
	// Timeout indicates a deadline was exceeded.
	Timeout Kind = "timeout"
	// Backpressure indicates a flow-control limit was reached.
	Backpressure Kind = "backpressure"
	// Conflict indicates a duplicate key or a dependency cycle.
	Conflict Kind = "conflict"
	// Persistence indicates an I/O failure reading or writing durable state.
	Persistence Kind = "persistence"
	// Cancelled indicates the operation was cancelled by the caller.
	Cancelled Kind = "cancelled"
)

// CoreError is the concrete error type returned by every public operation in
// this module that can fail in a way a caller should be able to branch on.
type CoreError struct {
	Kind Kind
	// Op names the operation that failed, e.g. "ModelCache.get_or_load".
	Op string
	// Message is a human-readable description.
	Message string
	// Cause is the underlying error, if any. Unwrap exposes it so that
	// errors.Is/errors.As work against sentinel causes.
	Cause error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// New constructs a CoreError with no underlying cause.
func New(kind Kind, op, message string) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a CoreError around an existing error, preserving it as the
// Cause and attaching a stack trace via github.com/pkg/errors when cause
// doesn't already carry one.
func Wrap(kind Kind, op, message string, cause error) *CoreError {
	if cause == nil {
		return New(kind, op, message)
	}
	if _, ok := cause.(interface{ StackTrace() errors.StackTrace }); !ok {
		cause = errors.WithStack(cause)
	}
	return &CoreError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err is a *CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
