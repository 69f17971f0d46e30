/*
errors.go - Error kinds returned by the billing engine

PURPOSE:
  Every engine operation returns either a result or an *Error carrying one of
  five kinds. Callers match kinds with errors.Is and never see raw storage
  errors.

ERROR KINDS:
  ErrNotFound         referenced entity absent
  ErrInvalidState     operation not valid in the current lifecycle state
  ErrConflict         capacity or uniqueness violation
  ErrUpstreamFailure  payment gateway failed or reported non-success
  ErrInternal         storage / transaction failure

STORE SENTINELS:
  Stores return ErrRecordNotFound, ErrDuplicateReference and
  ErrCapacityExceeded. wrapStore converts them to the kinds above.

USAGE:
  if errors.Is(err, billing.ErrConflict) { ... }

  var be *billing.Error
  if errors.As(err, &be) { log(be.Op) }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrInternal        = errors.New("internal error")
)

// =============================================================================
// STORE SENTINELS
// =============================================================================

var (
	// ErrRecordNotFound is returned by stores when a lookup matches no row.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateReference is returned when a payment reference already exists.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	// ErrCapacityExceeded is returned when an occupancy write would exceed the
	// room's max capacity.
	ErrCapacityExceeded = errors.New("room capacity exceeded")
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the only error type that leaves the engine.
type Error struct {
	Op      string // engine operation, e.g. "ConfirmCharge"
	Kind    error  // one of the kind sentinels
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg = e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapStore converts any error raised inside an operation into an *Error.
// Errors that are already *Error pass through unchanged.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return &Error{Op: op, Kind: ErrNotFound, Err: err}
	case errors.Is(err, ErrDuplicateReference), errors.Is(err, ErrCapacityExceeded):
		return &Error{Op: op, Kind: ErrConflict, Err: err}
	default:
		return &Error{Op: op, Kind: ErrInternal, Err: err}
	}
}

// notFound wraps a store lookup failure, naming the missing entity when the
// store reported no row.
func notFound(op, entity, id string, err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return &Error{Op: op, Kind: ErrNotFound, Message: fmt.Sprintf("%s %s not found", entity, id), Err: err}
	}
	return wrapStore(op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind sentinel of err, or ErrInternal for foreign errors.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrInvalidState, ErrConflict, ErrUpstreamFailure, ErrInternal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
