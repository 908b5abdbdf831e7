//go:build linux

package deferred

import "testing"

func TestEpollEngineEventBufferSizeOption(t *testing.T) {
	e, err := NewEpollEngine(WithEventBufferSize(16))
	if err != nil {
		t.Fatalf("NewEpollEngine() error: %v", err)
	}
	defer e.Destroy()
	if got := len(e.eventBuf); got != 16 {
		t.Errorf("event buffer size = %d, want 16", got)
	}

	if _, err := NewEpollEngine(WithEventBufferSize(0)); err == nil {
		t.Error("WithEventBufferSize(0) did not error")
	}

	// nil options are skipped; defaults apply
	e2, err := NewEpollEngine(nil)
	if err != nil {
		t.Fatalf("NewEpollEngine(nil) error: %v", err)
	}
	defer e2.Destroy()
	if got := len(e2.eventBuf); got != defaultEventBufferSize {
		t.Errorf("event buffer size = %d, want %d", got, defaultEventBufferSize)
	}
}

func init() {
	engineMakers = append(engineMakers, engineMaker{
		name: "epoll",
		make: func(t *testing.T) Engine {
			e, err := NewEpollEngine()
			if err != nil {
				t.Fatalf("NewEpollEngine() error: %v", err)
			}
			return e
		},
	})
}
