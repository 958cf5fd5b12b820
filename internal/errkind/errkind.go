// Package errkind defines the kinded errors shared across the server.
// Every kind maps to a stable wire code that tool responses surface
// verbatim, and an error can carry an action hint telling the operator
// what to do next.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a stable error code. The string values appear on the wire.
type Kind string

const (
	NotInitialized     Kind = "NOT_INITIALIZED"
	AlreadyInitialized Kind = "ALREADY_INITIALIZED"
	InvalidArgument    Kind = "INVALID_ARGUMENT"
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	Busy               Kind = "BUSY"
	TimedOut           Kind = "TIMED_OUT"
	NetworkError       Kind = "NETWORK_ERROR"
	AuthFailed         Kind = "AUTH_FAILED"
	PermissionDenied   Kind = "PERMISSION_DENIED"
	Rejected           Kind = "REMOTE_REJECTED"
	SchemaMissing      Kind = "SCHEMA_MISSING"
	Corrupt            Kind = "CORRUPT"
	Internal           Kind = "INTERNAL"
)

// Error is a kinded error with an optional action hint and cause.
type Error struct {
	Kind           Kind
	Message        string
	ActionRequired string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithAction attaches an operator hint and returns the error for
// chaining.
func (e *Error) WithAction(action string) *Error {
	e.ActionRequired = action
	return e
}

// New returns a kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a kinded error with a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unkinded
// errors read as Internal; nil reads as "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ActionOf returns the action hint, if any.
func ActionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ActionRequired
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is transient. Only network
// errors and timeouts qualify; rejections, auth failures, and conflicts
// need operator intervention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkError, TimedOut:
		return true
	}
	return false
}
