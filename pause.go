package deferred

import "github.com/joeycumines/go-deferred/internal/dlist"

// Paused queue: resolvers of deferreds produced by [Pause], woken en masse
// once per driver iteration.
var (
	pausedQueue   = dlist.New[*Resolver]()
	pauseNotifier func(count int)
)

// Pause returns a deferred that resolves with nil on the next drain of the
// paused queue, yielding control to other runnable deferreds. The result is
// a task pair: cancelling it rejects it with [ErrCanceled] and its slot in
// the queue is skipped harmlessly at the next drain.
func Pause() *Deferred {
	d, r := Task()
	pausedQueue.PushBack(r)
	if f := pauseNotifier; f != nil {
		f(pausedQueue.Len())
	}
	return d
}

// WakeupPaused resolves every currently paused deferred, in pause order.
// Deferreds paused while the drain is in progress belong to the next drain.
func WakeupPaused() {
	if pausedQueue.Empty() {
		return
	}
	batch := dlist.New[*Resolver]()
	pausedQueue.TransferTo(batch)
	batch.Iter(func(r *Resolver) bool {
		r.Resolve(nil)
		return true
	})
}

// PausedCount returns the number of deferreds currently in the paused
// queue.
func PausedCount() int {
	return pausedQueue.Len()
}

// RegisterPauseNotifier installs a callback invoked with the new queue
// length each time [Pause] is called. External schedulers use it to learn
// that a drain is needed. Passing nil removes the notifier.
func RegisterPauseNotifier(f func(count int)) {
	pauseNotifier = f
}
