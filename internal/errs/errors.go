// Package errs defines the error taxonomy shared by endpoints, configuration
// and the ambient scope coordinator.
//
// Every failure surfaced by opscope is an *Error carrying a Kind. Callers
// branch on the kind with the Is* helpers, which use errors.As and therefore
// see through fmt.Errorf("...: %w") wrapping. The underlying driver error, if
// any, stays reachable through errors.Unwrap.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an opscope error.
type Kind string

const (
	// KindConfiguration indicates a missing, ambiguous or unknown endpoint
	// in configuration. Never retried.
	KindConfiguration Kind = "CONFIGURATION"

	// KindArgument indicates an absent or empty required input.
	KindArgument Kind = "ARGUMENT"

	// KindInfrastructure indicates the driver failed to open a connection or
	// begin a transaction. The caller may retry with a new scope.
	KindInfrastructure Kind = "INFRASTRUCTURE"

	// KindFinalization indicates commit or rollback failed during release.
	KindFinalization Kind = "FINALIZATION"

	// KindInvariant indicates caller misuse of the registry. Always fatal.
	KindInvariant Kind = "INVARIANT"

	// KindInvalidState indicates use of a scope after it was released.
	KindInvalidState Kind = "INVALID_STATE"
)

// ErrReleased is the cause attached to every invalid-state error raised by a
// released scope.
var ErrReleased = errors.New("scope should not be accessed after it is released")

// Error is the single error type raised by opscope.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed, e.g. "acquire" or "endpoint.new".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error carrying err as its cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsArgument reports whether err is an argument error.
func IsArgument(err error) bool { return KindOf(err) == KindArgument }

// IsInfrastructure reports whether err is an infrastructure error.
func IsInfrastructure(err error) bool { return KindOf(err) == KindInfrastructure }

// IsFinalization reports whether err is a finalization error.
func IsFinalization(err error) bool { return KindOf(err) == KindFinalization }

// IsInvariant reports whether err is an invariant-violation error.
func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }
