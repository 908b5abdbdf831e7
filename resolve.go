package deferred

// Resolution loop.
//
// Settling a deferred runs its waiters synchronously. Waiters themselves
// frequently settle further deferreds; running those nested wakeups inline
// would grow the stack with the length of the chain. Internal resolutions
// therefore go through the wakeup-later queue: the outermost settle drains
// it iteratively once its own waiters have returned, so stack depth stays
// bounded no matter how deep the graph is.
//
// Resolver.Resolve/Reject (and Cancel) use the immediate flavour: nested or
// not, their waiters run before the call returns.
var (
	inResolutionLoop bool
	wakeupLaterQueue []func()
)

// runOrDefer executes f inside the resolution loop. With later set, f is
// queued when a loop is already in progress and runs when the outermost
// frame drains the queue; otherwise f runs inline.
func runOrDefer(f func(), later bool) {
	if inResolutionLoop {
		if later {
			wakeupLaterQueue = append(wakeupLaterQueue, f)
		} else {
			f()
		}
		return
	}
	inResolutionLoop = true
	defer func() { inResolutionLoop = false }()
	f()
	for i := 0; i < len(wakeupLaterQueue); i++ {
		g := wakeupLaterQueue[i]
		wakeupLaterQueue[i] = nil
		if g != nil {
			g()
		}
	}
	wakeupLaterQueue = wakeupLaterQueue[:0]
}

// wakeupLaterPending reports whether deferred wakeups are queued. Outside a
// resolution loop this is always false; the driver still consults it when
// deciding whether the reactor may block.
func wakeupLaterPending() bool {
	return len(wakeupLaterQueue) > 0
}

// drainDeferredWakeups runs any queued deferred wakeups. The queue drains
// itself at the top of each resolution, so this is a safety valve for the
// driver loop rather than a routine step.
func drainDeferredWakeups() {
	if len(wakeupLaterQueue) == 0 || inResolutionLoop {
		return
	}
	runOrDefer(func() {}, false)
}

// settleNode moves a pending representative to a terminal state and runs
// (or defers) its waiters. Calling it on a settled node is a no-op, which
// is what internal mirrors (Protected, engine callbacks racing a cancel)
// rely on.
func settleNode(n *node, st State, v Result, err error, later bool) {
	if n.state != Pending {
		return
	}
	ws := n.waiters
	cws := n.cancelWaiters
	n.state = st
	n.result = v
	n.err = err
	n.waiters = nil
	n.cancelWaiters = nil
	n.cancelThunk = nil
	n.cancelLink = nil
	n.clearedWaiters = 0
	if ws == nil && cws == nil {
		return
	}
	runOrDefer(func() {
		if st == Rejected && isCanceledError(err) {
			fireWaiters(cws, st, v, err)
		}
		fireWaiters(ws, st, v, err)
	}, later)
}

// connect merges the outcome of d into target, a pending representative.
//
// When d is still pending, d's node is forwarded onto target — child onto
// parent, never the reverse, so tail-recursive combinator loops reuse the
// caller-visible node instead of growing a chain — and target inherits d's
// cancel handle and waiter sets. When d is settled, target simply adopts
// its state.
func connect(target *node, d *Deferred) {
	src := d.n.find()
	if src == target {
		return
	}
	if target.state != Pending {
		panic(ErrNotPending)
	}
	if src.state != Pending {
		settleNode(target, src.state, src.result, src.err, true)
		return
	}
	src.forward = target
	target.cancelThunk = src.cancelThunk
	target.cancelLink = src.cancelLink
	target.waiters = concatWaiters(target.waiters, src.waiters)
	target.cancelWaiters = concatWaiters(target.cancelWaiters, src.cancelWaiters)
	target.clearedWaiters += src.clearedWaiters
	src.cancelThunk = nil
	src.cancelLink = nil
	src.waiters = nil
	src.cancelWaiters = nil
	src.clearedWaiters = 0
}

// Cancel requests cancellation of d. If d is pending, its cancel handle is
// cleared and invoked: for [Task] pairs (and combinator chains rooted in
// one) this rejects the whole chain with [ErrCanceled] before Cancel
// returns. Cancelling a settled deferred, a [Wait] pair, or a deferred
// whose handle was already consumed is a silent no-op.
func Cancel(d *Deferred) {
	n := d.n.find()
	if n.state != Pending {
		return
	}
	// Walk shared cancel handles to their owner, clearing each link so a
	// second Cancel finds nothing to deliver.
	target := n
	for target.cancelLink != nil {
		link := target.cancelLink
		target.cancelLink = nil
		next := link.find()
		if next.state != Pending {
			return
		}
		target = next
	}
	thunk := target.cancelThunk
	target.cancelThunk = nil
	if thunk != nil {
		thunk()
	}
}

// OnCancel registers f to run when d is cancelled, ahead of d's regular
// waiters. If d is already rejected with [ErrCanceled], f runs immediately.
func OnCancel(d *Deferred, f func()) {
	n := d.n.find()
	switch n.state {
	case Pending:
		n.addCancelWaiter(captureContext(func(State, Result, error) {
			runProtected(f)
		}))
	case Rejected:
		if isCanceledError(n.err) {
			runProtected(f)
		}
	}
}

// asyncExceptionHook receives panics recovered from observer callbacks
// (OnSuccess and friends) and rejections discarded by [IgnoreResult]. The
// default logs at error level.
var asyncExceptionHook func(v any)

// SetAsyncExceptionHook replaces the handler for exceptions that escape
// fire-and-forget callbacks. Passing nil restores the default (logging).
func SetAsyncExceptionHook(f func(v any)) {
	asyncExceptionHook = f
}

// runProtected runs a fire-and-forget user callback, routing panics to the
// async exception hook so one faulty observer cannot unwind the scheduler.
func runProtected(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if h := asyncExceptionHook; h != nil {
				h(r)
				return
			}
			logger().Err().Any("panic", r).Log("deferred: uncaught exception in observer callback")
		}
	}()
	f()
}

// captureContext wraps a waiter so that it runs under the dynamic context
// current at registration time, restoring the caller's context afterwards.
func captureContext(f waiterFn) waiterFn {
	snap := currentStorage
	return func(st State, v Result, err error) {
		saved := currentStorage
		currentStorage = snap
		defer func() { currentStorage = saved }()
		f(st, v, err)
	}
}
