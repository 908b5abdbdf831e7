package deferred

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrCanceled is the rejection reason produced by the cancellation
	// protocol: the default [Task] cancel action rejects with it, and it is
	// what [Cancel] propagates through combinator chains.
	ErrCanceled = errors.New("deferred: canceled")

	// ErrNestedRun is returned when [Run] is called while another Run is in
	// progress on the same scheduler.
	ErrNestedRun = errors.New("deferred: Run called from inside Run")

	// ErrAlreadyResolved is the panic value when a [Resolver] is used on a
	// deferred that has already reached a terminal state (other than one
	// already rejected with [ErrCanceled], which is a silent no-op).
	ErrAlreadyResolved = errors.New("deferred: deferred is already resolved")

	// ErrNotPending is the panic value when an internal merge targets a
	// deferred that is no longer pending. Seeing it indicates a bug in a
	// resolver or combinator implementation layered on this package.
	ErrNotPending = errors.New("deferred: target deferred is not pending")

	// ErrEngineDestroyed is the panic value when an [Engine] is used after
	// Destroy.
	ErrEngineDestroyed = errors.New("deferred: engine has been destroyed")
)

// PanicError wraps a value recovered from a panicking user callback. The
// core converts such panics into rejections, so a panicking map function
// rejects its result rather than unwinding the scheduler.
type PanicError struct {
	// Value is the recovered panic value.
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("deferred: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// isCanceledError reports whether err is (or wraps) the cancellation
// rejection.
func isCanceledError(err error) bool {
	return err != nil && errors.Is(err, ErrCanceled)
}
