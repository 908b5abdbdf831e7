//go:build linux || darwin

package deferred

import (
	"container/heap"
	"errors"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-deferred/internal/dlist"
)

// SelectEngine is the portable reactor: select(2) for readiness plus a
// min-heap of timers. It is the fallback on platforms without a richer
// native facility, and the reference implementation for engine semantics.
type SelectEngine struct {
	readable map[int]*dlist.List[*watcher]
	writable map[int]*dlist.List[*watcher]

	// timers is the expiry-ordered heap; newTimers holds registrations
	// made since the last iteration, adopted at the top of Iter. Stopped
	// timers are skipped lazily when popped.
	timers    timerHeap
	newTimers []*timerEntry

	destroyed bool
}

// timerEntry pairs a timer watcher with its next expiry.
type timerEntry struct {
	w      *watcher
	expiry time.Time
}

// timerHeap is a min-heap of timer entries keyed by expiry.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// NewSelectEngine creates a select(2)-based engine.
func NewSelectEngine() *SelectEngine {
	return &SelectEngine{
		readable: make(map[int]*dlist.List[*watcher]),
		writable: make(map[int]*dlist.List[*watcher]),
	}
}

func (e *SelectEngine) checkAlive() {
	if e.destroyed {
		panic(ErrEngineDestroyed)
	}
}

func (e *SelectEngine) watchFD(kind watcherKind, table map[int]*dlist.List[*watcher], fd int, cb func(Event)) Event {
	e.checkAlive()
	l := table[fd]
	if l == nil {
		l = dlist.New[*watcher]()
		table[fd] = l
	}
	w := &watcher{kind: kind, fd: fd, cb: cb}
	n := l.PushBack(w)
	w.detach = func() {
		n.Remove()
		if l.Empty() {
			delete(table, fd)
		}
	}
	logger().Trace().Int("fd", fd).Bool("write", kind == watchWritable).Log("deferred: fd watch registered")
	return w
}

// OnReadable registers cb to run every time fd is readable.
func (e *SelectEngine) OnReadable(fd int, cb func(Event)) Event {
	return e.watchFD(watchReadable, e.readable, fd, cb)
}

// OnWritable registers cb to run every time fd is writable.
func (e *SelectEngine) OnWritable(fd int, cb func(Event)) Event {
	return e.watchFD(watchWritable, e.writable, fd, cb)
}

// OnTimer registers cb to fire after delay, repeating if requested. The
// registration joins the heap at the start of the next iteration.
func (e *SelectEngine) OnTimer(delay time.Duration, repeat bool, cb func(Event)) Event {
	e.checkAlive()
	w := &watcher{kind: watchTimer, delay: delay, repeat: repeat, cb: cb}
	e.newTimers = append(e.newTimers, &timerEntry{w: w, expiry: time.Now().Add(delay)})
	return w
}

// FakeIO invokes every callback watching fd, readable first, without
// consulting the kernel.
func (e *SelectEngine) FakeIO(fd int) {
	e.checkAlive()
	e.fireFD(e.readable, fd)
	e.fireFD(e.writable, fd)
}

func (e *SelectEngine) fireFD(table map[int]*dlist.List[*watcher], fd int) {
	l := table[fd]
	if l == nil {
		return
	}
	l.Iter(func(w *watcher) bool {
		invokeWatcher(w)
		return true
	})
}

// ReadableCount returns the number of active readability watchers.
func (e *SelectEngine) ReadableCount() int { return countWatchers(e.readable) }

// WritableCount returns the number of active writability watchers.
func (e *SelectEngine) WritableCount() int { return countWatchers(e.writable) }

func countWatchers(table map[int]*dlist.List[*watcher]) int {
	n := 0
	for _, l := range table {
		n += l.Len()
	}
	return n
}

// TimerCount returns the number of active timers.
func (e *SelectEngine) TimerCount() int {
	n := 0
	for _, te := range e.newTimers {
		if !te.w.stopped {
			n++
		}
	}
	for _, te := range e.timers {
		if !te.w.stopped {
			n++
		}
	}
	return n
}

// Iter performs one select pass: adopt new timers, gather fd sets, compute
// the timeout from the earliest expiry, wait, then fire due timers followed
// by fd callbacks (readable before writable).
func (e *SelectEngine) Iter(block bool) {
	e.checkAlive()

	for _, te := range e.newTimers {
		if !te.w.stopped {
			heap.Push(&e.timers, te)
		}
	}
	e.newTimers = e.newTimers[:0]
	for len(e.timers) > 0 && e.timers[0].w.stopped {
		heap.Pop(&e.timers)
	}

	var rset, wset unix.FdSet
	nfds := 0
	for fd := range e.readable {
		rset.Set(fd)
		if fd >= nfds {
			nfds = fd + 1
		}
	}
	for fd := range e.writable {
		wset.Set(fd)
		if fd >= nfds {
			nfds = fd + 1
		}
	}

	var tv *unix.Timeval
	if !block {
		tv = &unix.Timeval{}
	} else if len(e.timers) > 0 {
		d := time.Until(e.timers[0].expiry)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimeval(int64(d))
		tv = &t
	}

	n, err := unix.Select(nfds, &rset, &wset, nil, tv)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			n = 0
		case errors.Is(err, unix.EBADF):
			// Narrow the failure to the offending descriptors and fire
			// their callbacks so they can observe the error themselves.
			e.fireBadFDs()
			return
		default:
			logger().Err().Err(err).Log("deferred: select failed")
			return
		}
	}

	e.fireDueTimers()

	if n > 0 {
		e.dispatchReady(&rset, e.readable)
		e.dispatchReady(&wset, e.writable)
	}
}

func (e *SelectEngine) fireDueTimers() {
	now := time.Now()
	for len(e.timers) > 0 {
		te := e.timers[0]
		if te.w.stopped {
			heap.Pop(&e.timers)
			continue
		}
		if te.expiry.After(now) {
			return
		}
		heap.Pop(&e.timers)
		if te.w.repeat {
			te.expiry = now.Add(te.w.delay)
			heap.Push(&e.timers, te)
		}
		invokeWatcher(te.w)
	}
}

func (e *SelectEngine) dispatchReady(set *unix.FdSet, table map[int]*dlist.List[*watcher]) {
	fds := make([]int, 0, len(table))
	for fd := range table {
		if set.IsSet(fd) {
			fds = append(fds, fd)
		}
	}
	slices.Sort(fds)
	for _, fd := range fds {
		e.fireFD(table, fd)
	}
}

// fireBadFDs probes every watched descriptor and fires the callbacks of
// those the kernel no longer recognizes.
func (e *SelectEngine) fireBadFDs() {
	bad := make(map[int]bool)
	for fd := range e.readable {
		if fdIsBad(fd) {
			bad[fd] = true
		}
	}
	for fd := range e.writable {
		if fdIsBad(fd) {
			bad[fd] = true
		}
	}
	fds := make([]int, 0, len(bad))
	for fd := range bad {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	for _, fd := range fds {
		logger().Warning().Int("fd", fd).Log("deferred: bad file descriptor in select set")
		e.fireFD(e.readable, fd)
		e.fireFD(e.writable, fd)
	}
}

func fdIsBad(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err != nil
}

// Transfer moves every registration to dst, leaving e empty but usable.
func (e *SelectEngine) Transfer(dst Engine) {
	e.checkAlive()
	ws := e.collect()
	e.readable = make(map[int]*dlist.List[*watcher])
	e.writable = make(map[int]*dlist.List[*watcher])
	e.timers = nil
	e.newTimers = nil
	for _, w := range ws {
		transferWatcher(w, dst)
	}
}

func (e *SelectEngine) collect() []*watcher {
	var ws []*watcher
	for _, l := range e.readable {
		l.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
	}
	for _, l := range e.writable {
		l.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
	}
	for _, te := range e.timers {
		if !te.w.stopped {
			ws = append(ws, te.w)
		}
	}
	for _, te := range e.newTimers {
		if !te.w.stopped {
			ws = append(ws, te.w)
		}
	}
	return ws
}

// Destroy stops every registration and marks the engine unusable.
func (e *SelectEngine) Destroy() {
	if e.destroyed {
		return
	}
	for _, w := range e.collect() {
		w.Stop()
	}
	e.readable = nil
	e.writable = nil
	e.timers = nil
	e.newTimers = nil
	e.destroyed = true
}
