//go:build linux

package deferred

// newDefaultEngine prefers epoll, falling back to select if the epoll
// descriptor cannot be created.
func newDefaultEngine() Engine {
	e, err := NewEpollEngine()
	if err != nil {
		logger().Warning().Err(err).Log("deferred: epoll unavailable, falling back to select")
		return NewSelectEngine()
	}
	return e
}
