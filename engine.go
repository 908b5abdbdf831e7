package deferred

import "time"

// Event is the stop-token returned by an [Engine] registration. Stop
// detaches the registration; it is idempotent and O(1).
type Event interface {
	Stop()
}

// Engine is the reactor: the source of file-descriptor readiness and timer
// callbacks that drives the scheduler forward when nothing is runnable.
// The core depends only on this interface; implementations are
// interchangeable at runtime via [SetEngine] and [Engine.Transfer].
//
// Ordering within one iteration: due timers fire before fd callbacks;
// readability callbacks fire before writability callbacks; callbacks on
// the same event fire in registration order.
type Engine interface {
	// Iter performs one reactor pass. With block set and no readiness
	// pending it suspends until an event fires, a timer expires, or a
	// signal interrupts the wait; otherwise it polls and returns.
	Iter(block bool)

	// OnReadable invokes cb with its own stop-token every time fd becomes
	// readable, until the token is stopped.
	OnReadable(fd int, cb func(Event)) Event

	// OnWritable is [Engine.OnReadable] for writability.
	OnWritable(fd int, cb func(Event)) Event

	// OnTimer invokes cb once after delay, or every delay if repeat is
	// set.
	OnTimer(delay time.Duration, repeat bool, cb func(Event)) Event

	// FakeIO invokes every readable and writable callback registered for
	// fd without consulting the kernel. Higher layers use it to flush
	// state buffered above the descriptor, and tests use it to synthesize
	// readiness.
	FakeIO(fd int)

	// ReadableCount returns the number of active readability watchers.
	ReadableCount() int
	// WritableCount returns the number of active writability watchers.
	WritableCount() int
	// TimerCount returns the number of active timers.
	TimerCount() int

	// Transfer moves every registration onto dst. Existing stop-tokens
	// remain valid and act on the destination engine.
	Transfer(dst Engine)

	// Destroy stops every registration and releases the engine's
	// resources. Destroy is idempotent; on a destroyed engine, Iter,
	// registrations, FakeIO and Transfer panic with [ErrEngineDestroyed].
	Destroy()
}

// watcher is the shared registration record used by the built-in engines;
// it doubles as the [Event] stop-token handed back to callers.
type watcher struct {
	kind    watcherKind
	fd      int
	delay   time.Duration
	repeat  bool
	cb      func(Event)
	stopped bool

	// deadline is the timer's next expiry, used to dispatch expirations
	// that land in the same batch in expiry order.
	deadline time.Time

	// detach undoes the engine-specific registration. Transfer rewrites it
	// to target the destination engine, which is what keeps old tokens
	// working after a swap.
	detach func()
}

type watcherKind uint8

const (
	watchReadable watcherKind = iota
	watchWritable
	watchTimer
)

func (w *watcher) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	if w.detach != nil {
		w.detach()
		w.detach = nil
	}
}

// invokeWatcher runs a reactor callback with panic isolation: one faulty
// callback must not stop the iteration.
func invokeWatcher(w *watcher) {
	if w.stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger().Err().Any("panic", r).Int("fd", w.fd).Log("deferred: reactor callback panicked")
		}
	}()
	w.cb(w)
}

var currentEngine Engine

// CurrentEngine returns the engine the driver uses, creating the
// platform default on first use.
func CurrentEngine() Engine {
	if currentEngine == nil {
		currentEngine = newDefaultEngine()
	}
	return currentEngine
}

// SetEngine replaces the current engine with e, transferring every
// registration from the old engine and destroying it.
func SetEngine(e Engine) {
	if currentEngine != nil && currentEngine != e {
		currentEngine.Transfer(e)
		currentEngine.Destroy()
	}
	currentEngine = e
}

// transferWatcher re-registers w's callback on dst and rewires w's
// stop-token to the new registration. The caller has already detached w
// locally.
func transferWatcher(w *watcher, dst Engine) {
	if w.stopped {
		return
	}
	var ev Event
	switch w.kind {
	case watchReadable:
		ev = dst.OnReadable(w.fd, w.cb)
	case watchWritable:
		ev = dst.OnWritable(w.fd, w.cb)
	case watchTimer:
		ev = dst.OnTimer(w.delay, w.repeat, w.cb)
	}
	w.detach = ev.Stop
}
