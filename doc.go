// Package deferred implements a single-threaded, cooperative promise library
// for Go: deferred values, a rich combinator algebra, structured
// cancellation, dynamically scoped storage that survives suspension, and an
// event-driven main loop integrating file-descriptor readiness and timers.
//
// # Architecture
//
// A [Deferred] is a handle to a value that will eventually be resolved or
// rejected; a [Resolver] is the matching write capability. Deferreds form a
// mutable graph: combinators such as [Bind] create intermediate pending
// nodes that are later merged ("forwarded") onto the deferred produced by
// the user's continuation, with union-find style path compression keeping
// lookups cheap no matter how the graph was built.
//
// The scheduler is cooperative and single-threaded: waiters registered
// against a deferred fire synchronously when it settles, and the only
// suspension points are waiter invocation and reactor iteration. There are
// no internal locks; callers must drive the package from a single goroutine.
//
// # Reactor
//
// I/O readiness and timers come from a pluggable [Engine]:
//   - Linux: a thin wrapper over epoll, with kernel-managed timerfd timers
//   - portable fallback: select(2) plus a min-heap of timers
//
// [Run] drives a root deferred to completion by alternating between waking
// paused deferreds, engine iterations (blocking when nothing is runnable),
// and draining deferred wakeups.
//
// # Cancellation
//
// [Task] pairs install a default cancel action that rejects with
// [ErrCanceled]. Cancellation propagates backwards through combinator
// chains ([Bind], [Map], [Catch], [TryBind], [Finalize]) because
// intermediates share their predecessor's cancel handle; [Protected] breaks
// the link. Cancelling an already-settled deferred is a silent no-op, and
// cancel delivery is at-most-once.
//
// # Usage
//
//	d := deferred.Bind(readRequest(), func(v deferred.Result) *deferred.Deferred {
//	    return handle(v.(request))
//	})
//	result, err := deferred.Run(d)
//
// # Error Types
//
//   - [ErrCanceled]: the distinguished cancellation rejection
//   - [PanicError]: wraps panics recovered from user callbacks
//   - [ErrNestedRun]: returned when [Run] is re-entered
//   - [ErrAlreadyResolved]: panic value for misused resolvers
//
// All error types work with [errors.Is] and [errors.As].
package deferred
