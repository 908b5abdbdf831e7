//go:build darwin

package deferred

func newDefaultEngine() Engine {
	return NewSelectEngine()
}
