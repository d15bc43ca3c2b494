// Package fault defines the structured error type every public operation
// returns. An error carries a kind, the owning component and operation,
// optional metadata and an optional cause.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind string

const (
	// KindValidation marks invalid input shape, unknown ids, empty sets.
	// Surfaced immediately, never retried.
	KindValidation Kind = "validation"
	// KindConfiguration marks bad construction-time options.
	KindConfiguration Kind = "configuration"
	// KindTransient marks transient transport, storage and collaborator
	// failures and deadlock aborts. Retried while the retry budget allows.
	// Agent response and lock wait deadlines carry KindTimeout instead.
	KindTransient Kind = "transient"
	// KindExhausted marks resource exhaustion; the operation is deferred,
	// not failed.
	KindExhausted Kind = "exhausted"
	// KindInvariant marks violated invariants: invalid transitions, cycles,
	// orphaned executions. Fatal for the affected unit.
	KindInvariant Kind = "invariant"
	// KindNotFound marks lookups that found nothing.
	KindNotFound Kind = "not_found"
	// KindTimeout marks an exceeded explicit deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled marks cooperative cancellation. Never logged as an error.
	KindCancelled Kind = "cancelled"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Metadata  map[string]string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Component, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with a message instead of a cause.
func New(kind Kind, component, op, msg string) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: errors.New(msg)}
}

// Newf builds a fault with a formatted message.
func Newf(kind Kind, component, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds a fault around an underlying cause. A nil cause yields nil.
func Wrap(kind Kind, component, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Op: op, Err: cause}
}

// With attaches a metadata key/value and returns the same error.
func (e *Error) With(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// KindOf extracts the Kind of err, unwrapping as needed. Unclassified
// errors report KindInvariant: an untyped failure crossing a component
// boundary is itself a defect.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInvariant
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure may be retried.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindTimeout
}
