package deferred

// Main driver.

var (
	runActive bool
	exitHooks []func() *Deferred
)

// Run drives the scheduler until root settles, then returns its outcome.
// Each iteration wakes the paused queue, asks the current [Engine] for one
// iteration — blocking only when nothing is already runnable — and drains
// any deferred wakeups.
//
// Run is not re-entrant: a call made while another Run is in progress
// (typically from inside a waiter) is refused with [ErrNestedRun].
func Run(root *Deferred) (Result, error) {
	if runActive {
		return nil, ErrNestedRun
	}
	runActive = true
	defer func() { runActive = false }()

	eng := CurrentEngine()
	logger().Trace().Log("deferred: run loop started")
	for {
		if v, err, ok := root.Poll(); ok {
			logger().Trace().Bool("resolved", err == nil).Log("deferred: run loop finished")
			return v, err
		}
		WakeupPaused()
		// re-check before blocking: the drain may have settled the root
		if v, err, ok := root.Poll(); ok {
			logger().Trace().Bool("resolved", err == nil).Log("deferred: run loop finished")
			return v, err
		}
		block := PausedCount() == 0 && !wakeupLaterPending()
		eng.Iter(block)
		drainDeferredWakeups()
	}
}

// AtExit registers a hook producing a deferred to be driven to completion
// by [RunExitHooks] before the process exits. Hooks run in reverse
// registration order; their failures are swallowed.
func AtExit(f func() *Deferred) {
	exitHooks = append(exitHooks, f)
}

// RunExitHooks runs the registered exit hooks, last registered first, and
// clears the list. A panicking or failing hook is logged and does not
// prevent the remaining hooks from running.
func RunExitHooks() {
	hooks := exitHooks
	exitHooks = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		runExitHook(hooks[i])
	}
}

func runExitHook(f func() *Deferred) {
	defer func() {
		if r := recover(); r != nil {
			logger().Warning().Any("panic", r).Log("deferred: exit hook panicked")
		}
	}()
	d := f()
	if d == nil {
		return
	}
	if _, err := Run(d); err != nil {
		logger().Warning().Err(err).Log("deferred: exit hook failed")
	}
}
