package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers and for HTTP status mapping.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindValidation        ErrorKind = "validation"
	KindUnsafeDBTarget    ErrorKind = "unsafe_database_target"
	KindLeaseMismatch     ErrorKind = "lease_mismatch"
	KindAllocationWaiting ErrorKind = "allocation_waiting"
	KindDriverFailed      ErrorKind = "driver_failed"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

// Error is the typed failure surfaced by every control-plane operation.
// Reason is a short machine-friendly sentence; Err carries the cause when an
// external driver or the store failed underneath.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so callers can compare against the
// kind sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == "" && other.Kind == e.Kind
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnsafeDBTarget    = &Error{Kind: KindUnsafeDBTarget}
	ErrLeaseMismatch     = &Error{Kind: KindLeaseMismatch}
	ErrAllocationWaiting = &Error{Kind: KindAllocationWaiting}
	ErrDriverFailed      = &Error{Kind: KindDriverFailed}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInternal          = &Error{Kind: KindInternal}
)

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// UnsafeDBTargetf builds an unsafe_database_target error.
func UnsafeDBTargetf(format string, args ...any) *Error {
	return &Error{Kind: KindUnsafeDBTarget, Reason: fmt.Sprintf(format, args...)}
}

// LeaseMismatchf builds a lease_mismatch error.
func LeaseMismatchf(format string, args ...any) *Error {
	return &Error{Kind: KindLeaseMismatch, Reason: fmt.Sprintf(format, args...)}
}

// DriverFailed wraps an external capability failure.
func DriverFailed(reason string, err error) *Error {
	return &Error{Kind: KindDriverFailed, Reason: reason, Err: err}
}

// Timeoutf builds a timeout error.
func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Reason: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Reason: reason, Err: err}
}

// KindOf extracts the error kind, defaulting to internal for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
