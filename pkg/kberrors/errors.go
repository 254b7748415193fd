// Package kberrors defines the error-kind taxonomy shared by every
// component of the coordination fabric (path, graph store, query
// composer, job queue, stream buffer, RPC fabric).
package kberrors

import (
	"errors"
	"fmt"

	"github.com/glenn-edgar/kbcore/pkg/validation"
)

// Kind classifies why an operation failed. Components never return
// raw driver errors to callers; every failure is wrapped in a Kind
// before crossing a package boundary.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	// InvalidArgument marks a malformed path, bad enum value, or wrong type.
	InvalidArgument
	// NotFound marks a missing node, kb, mount, or slot.
	NotFound
	// Conflict marks a unique violation or an ambiguous multi-match.
	Conflict
	// NoSlot marks an exhausted pre-allocated pool.
	NoSlot
	// LockExhausted marks a serialization failure, deadlock, or
	// lock-unavailable condition that persisted past the retry budget.
	LockExhausted
	// StorageFailure marks a connection loss, constraint error, or any
	// other backend failure not covered by the kinds above.
	StorageFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case NoSlot:
		return "no_slot"
	case LockExhausted:
		return "lock_exhausted"
	case StorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every mutating
// operation in the fabric. Op identifies the failing operation
// (e.g. "jobqueue.push") so logs can be grepped without parsing
// messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error. err may be nil when the kind alone is the
// full explanation (e.g. NoSlot).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind, unwrapping through
// any number of fmt.Errorf("%w", ...) layers.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning Unknown if err does
// not wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ToRFC7807 converts err into an RFC 7807 problem-detail document,
// mapping each Kind to its standard problem shape. A *validation.
// ValidationError wrapped by err (as rpcfabric's push validation
// gate produces) is rendered via its own ToRFC7807, preserving field
// errors; every other Kind falls back to the Kind-level constructors.
// A nil or non-fabric err yields an internal-error problem.
func ToRFC7807(err error) *validation.RFC7807Problem {
	if err == nil {
		return validation.NewInternalErrorProblem("no error")
	}
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return ve.ToRFC7807()
	}
	var e *Error
	if !errors.As(err, &e) {
		return validation.NewInternalErrorProblem(err.Error())
	}
	switch e.Kind {
	case InvalidArgument:
		return validation.NewValidationErrorProblem(e.Op, map[string]string{"error": e.Error()})
	case NotFound:
		return validation.NewNotFoundProblem(e.Op, "")
	case Conflict:
		return validation.NewConflictProblem(e.Op, "", "")
	case NoSlot, LockExhausted:
		return validation.NewServiceUnavailableProblem(e.Error())
	default:
		return validation.NewInternalErrorProblem(e.Error())
	}
}
