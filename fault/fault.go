// Package fault classifies errors into the closed set of kinds the
// orchestration runtime recovers from. Every cross-package error is wrapped
// with a Kind so callers can decide between retry, fallback, reroute, and
// abort without matching on message text.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies how an error should be handled.
type Kind string

const (
	// Transient covers network blips, timeouts, and worker restarts.
	// Retried per policy; observed by the circuit breaker.
	Transient Kind = "transient"

	// BreakerOpen means the call was refused fast by an open breaker.
	BreakerOpen Kind = "breaker_open"

	// PoolExhausted means acquire timed out with the pool at capacity.
	PoolExhausted Kind = "pool_exhausted"

	// PoolClosed means the pool was shut down.
	PoolClosed Kind = "pool_closed"

	// WorkerUnavailable means no live handle exists for a required identity.
	WorkerUnavailable Kind = "worker_unavailable"

	// WorkerTimeout means a heartbeat or task deadline was exceeded.
	WorkerTimeout Kind = "worker_timeout"

	// WorkerBusy means the worker is at its task cap or its outbound
	// queue is saturated.
	WorkerBusy Kind = "worker_busy"

	// AuthenticationFailed means a bad token or unknown identity.
	// The stream is destroyed and the attempt is not retried.
	AuthenticationFailed Kind = "authentication_failed"

	// ProtocolViolation means a malformed frame or an unexpected message
	// during a handshake step.
	ProtocolViolation Kind = "protocol_violation"

	// NotApproved means an approval request was rejected or expired.
	NotApproved Kind = "not_approved"

	// Cancelled means cooperative cancellation. Idempotent and not a
	// failure for KPI purposes.
	Cancelled Kind = "cancelled"

	// Fatal means an invariant breach; the run aborts and the error
	// surfaces unwrapped for operator intervention.
	Fatal Kind = "fatal"

	// Unknown is returned by KindOf for unclassified errors.
	Unknown Kind = ""
)

// Error wraps an underlying error with its Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the classification of this error.
func (e *Error) Kind() Kind {
	return e.kind
}

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Errorf formats an error and wraps it with the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, unwrapping as needed. Context
// cancellation and deadline errors are classified even when unwrapped.
// Errors carrying no classification return Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsFatal reports whether err is an invariant breach.
func IsFatal(err error) bool {
	return KindOf(err) == Fatal
}

// IsCancelled reports whether err came from cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}

// Countable reports whether err should count as a failure observation.
// Cancellation leaves breaker and KPI state unchanged.
func Countable(err error) bool {
	return err != nil && !IsCancelled(err)
}
