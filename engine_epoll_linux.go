//go:build linux

package deferred

import (
	"errors"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-deferred/internal/dlist"
)

// EpollEngine is the Linux reactor: a thin wrapper over epoll, with timers
// backed by timerfd so their lifetimes are kernel-managed. This is the
// default engine on Linux.
type EpollEngine struct {
	epfd int

	// fds maps a watched descriptor to its readable/writable watcher
	// lists; the epoll interest mask tracks which lists are non-empty.
	fds map[int]*epollEntry

	// timers maps a timerfd to its timer watcher.
	timers map[int]*watcher

	eventBuf  []unix.EpollEvent
	destroyed bool
}

type epollEntry struct {
	readers *dlist.List[*watcher]
	writers *dlist.List[*watcher]
}

func (en *epollEntry) mask() uint32 {
	var events uint32
	if !en.readers.Empty() {
		events |= unix.EPOLLIN
	}
	if !en.writers.Empty() {
		events |= unix.EPOLLOUT
	}
	return events
}

// NewEpollEngine creates an epoll-based engine.
func NewEpollEngine(opts ...EngineOption) (*EpollEngine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollEngine{
		epfd:     epfd,
		fds:      make(map[int]*epollEntry),
		timers:   make(map[int]*watcher),
		eventBuf: make([]unix.EpollEvent, cfg.eventBufferSize),
	}, nil
}

func (e *EpollEngine) checkAlive() {
	if e.destroyed {
		panic(ErrEngineDestroyed)
	}
}

func (e *EpollEngine) watchFD(kind watcherKind, fd int, cb func(Event)) Event {
	e.checkAlive()
	en := e.fds[fd]
	fresh := en == nil
	if fresh {
		en = &epollEntry{readers: dlist.New[*watcher](), writers: dlist.New[*watcher]()}
		e.fds[fd] = en
	}
	w := &watcher{kind: kind, fd: fd, cb: cb}
	var n *dlist.Node[*watcher]
	if kind == watchReadable {
		n = en.readers.PushBack(w)
	} else {
		n = en.writers.PushBack(w)
	}
	if err := e.updateInterest(fd, en, fresh); err != nil {
		n.Remove()
		if fresh {
			delete(e.fds, fd)
		}
		logger().Err().Err(err).Int("fd", fd).Log("deferred: epoll registration failed")
		w.stopped = true
		return w
	}
	w.detach = func() {
		n.Remove()
		e.dropIfIdle(fd, en)
	}
	logger().Trace().Int("fd", fd).Bool("write", kind == watchWritable).Log("deferred: fd watch registered")
	return w
}

func (e *EpollEngine) updateInterest(fd int, en *epollEntry, fresh bool) error {
	ev := &unix.EpollEvent{Events: en.mask(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if fresh {
		op = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(e.epfd, op, fd, ev)
}

func (e *EpollEngine) dropIfIdle(fd int, en *epollEntry) {
	if e.destroyed || e.fds[fd] != en {
		return
	}
	if en.readers.Empty() && en.writers.Empty() {
		delete(e.fds, fd)
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	_ = e.updateInterest(fd, en, false)
}

// OnReadable registers cb to run every time fd is readable.
func (e *EpollEngine) OnReadable(fd int, cb func(Event)) Event {
	return e.watchFD(watchReadable, fd, cb)
}

// OnWritable registers cb to run every time fd is writable.
func (e *EpollEngine) OnWritable(fd int, cb func(Event)) Event {
	return e.watchFD(watchWritable, fd, cb)
}

// OnTimer arms a timerfd for delay (and an equal interval when repeat is
// set) and registers it with epoll.
func (e *EpollEngine) OnTimer(delay time.Duration, repeat bool, cb func(Event)) Event {
	e.checkAlive()
	w := &watcher{kind: watchTimer, delay: delay, repeat: repeat, cb: cb, deadline: time.Now().Add(delay)}

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		logger().Err().Err(err).Log("deferred: timerfd creation failed")
		w.stopped = true
		return w
	}

	ns := int64(delay)
	if ns <= 0 {
		ns = 1 // zero disarms a timerfd; fire as soon as possible instead
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	if repeat {
		spec.Interval = unix.NsecToTimespec(ns)
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err == nil {
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
		err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, tfd, ev)
	}
	if err != nil {
		_ = unix.Close(tfd)
		logger().Err().Err(err).Log("deferred: timerfd registration failed")
		w.stopped = true
		return w
	}

	e.timers[tfd] = w
	w.detach = func() {
		if e.timers[tfd] == w {
			delete(e.timers, tfd)
			_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, tfd, nil)
			_ = unix.Close(tfd)
		}
	}
	return w
}

// FakeIO invokes every callback watching fd, readable first, without
// consulting the kernel.
func (e *EpollEngine) FakeIO(fd int) {
	e.checkAlive()
	en := e.fds[fd]
	if en == nil {
		return
	}
	fireList(en.readers)
	fireList(en.writers)
}

func fireList(l *dlist.List[*watcher]) {
	l.Iter(func(w *watcher) bool {
		invokeWatcher(w)
		return true
	})
}

// ReadableCount returns the number of active readability watchers.
func (e *EpollEngine) ReadableCount() int {
	n := 0
	for _, en := range e.fds {
		n += en.readers.Len()
	}
	return n
}

// WritableCount returns the number of active writability watchers.
func (e *EpollEngine) WritableCount() int {
	n := 0
	for _, en := range e.fds {
		n += en.writers.Len()
	}
	return n
}

// TimerCount returns the number of active timers.
func (e *EpollEngine) TimerCount() int {
	return len(e.timers)
}

// Iter performs one epoll pass. Timer expirations in the batch are
// dispatched before readiness callbacks; readability before writability.
func (e *EpollEngine) Iter(block bool) {
	e.checkAlive()
	timeout := 0
	if block {
		timeout = -1
	}
	n, err := unix.EpollWait(e.epfd, e.eventBuf[:], timeout)
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			logger().Err().Err(err).Log("deferred: epoll_wait failed")
		}
		return
	}

	// Timers first, in expiry order when several land in one batch.
	var dueTimers []*watcher
	for i := 0; i < n; i++ {
		fd := int(e.eventBuf[i].Fd)
		w, ok := e.timers[fd]
		if !ok {
			continue
		}
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		dueTimers = append(dueTimers, w)
	}
	slices.SortStableFunc(dueTimers, func(a, b *watcher) int {
		return a.deadline.Compare(b.deadline)
	})
	for _, w := range dueTimers {
		if w.repeat {
			w.deadline = time.Now().Add(w.delay)
		}
		invokeWatcher(w)
		if !w.repeat {
			w.Stop()
		}
	}

	// Readiness, readable before writable, ascending fd for determinism.
	var ready []int
	for i := 0; i < n; i++ {
		fd := int(e.eventBuf[i].Fd)
		if _, isTimer := e.timers[fd]; isTimer {
			continue
		}
		ready = append(ready, i)
	}
	slices.SortFunc(ready, func(a, b int) int {
		return int(e.eventBuf[a].Fd) - int(e.eventBuf[b].Fd)
	})
	for _, i := range ready {
		ev := e.eventBuf[i]
		if en := e.fds[int(ev.Fd)]; en != nil && ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			fireList(en.readers)
		}
	}
	for _, i := range ready {
		ev := e.eventBuf[i]
		if en := e.fds[int(ev.Fd)]; en != nil && ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			fireList(en.writers)
		}
	}
}

// Transfer moves every registration to dst, leaving e empty but usable.
func (e *EpollEngine) Transfer(dst Engine) {
	e.checkAlive()
	var ws []*watcher
	for _, en := range e.fds {
		en.readers.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
		en.writers.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
	}
	for _, w := range e.timers {
		ws = append(ws, w)
	}
	for _, w := range ws {
		if w.detach != nil {
			w.detach()
			w.detach = nil
		}
		transferWatcher(w, dst)
	}
}

// Destroy stops every registration, closes the epoll descriptor, and marks
// the engine unusable.
func (e *EpollEngine) Destroy() {
	if e.destroyed {
		return
	}
	var ws []*watcher
	for _, en := range e.fds {
		en.readers.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
		en.writers.Iter(func(w *watcher) bool { ws = append(ws, w); return true })
	}
	for _, w := range e.timers {
		ws = append(ws, w)
	}
	for _, w := range ws {
		w.Stop()
	}
	_ = unix.Close(e.epfd)
	e.fds = nil
	e.timers = nil
	e.destroyed = true
}
