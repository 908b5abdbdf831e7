package deferred

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitResolvePoll(t *testing.T) {
	d, r := Wait()
	require.Equal(t, Pending, d.State())

	_, _, ok := d.Poll()
	require.False(t, ok)

	r.Resolve(7)

	require.Equal(t, Resolved, d.State())
	v, err, ok := d.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestWaitReject(t *testing.T) {
	boom := errors.New("boom")
	d, r := Wait()
	r.Reject(boom)

	require.Equal(t, Rejected, d.State())
	_, err, ok := d.Poll()
	require.True(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	d, r := Wait()
	r.Resolve("first")

	// a second use of the resolver is a programmer error
	require.PanicsWithValue(t, ErrAlreadyResolved, func() { r.Resolve("second") })
	require.PanicsWithValue(t, ErrAlreadyResolved, func() { r.Reject(errors.New("nope")) })

	v, _, _ := d.Poll()
	require.Equal(t, "first", v)
}

func TestResolveAfterCancelIsSilent(t *testing.T) {
	d, r := Task()
	Cancel(d)
	require.Equal(t, Rejected, d.State())

	// the owner cancelled while a resolution was in flight; both must
	// converge without raising
	require.NotPanics(t, func() { r.Resolve(1) })
	require.NotPanics(t, func() { r.Reject(errors.New("late")) })

	_, err, _ := d.Poll()
	require.ErrorIs(t, err, ErrCanceled)
}

func TestResolvedRejectedConstructors(t *testing.T) {
	v, err, ok := Resolve(42).Poll()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err, ok = Reject(boom).Poll()
	require.True(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestWaiterFiresAtMostOnce(t *testing.T) {
	d, r := Wait()
	calls := 0
	OnSuccess(d, func(Result) { calls++ })
	r.Resolve(1)
	require.Equal(t, 1, calls)
}

func TestWaitersFireInRegistrationOrder(t *testing.T) {
	d, r := Wait()
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		OnTermination(d, func() { order = append(order, i) })
	}
	r.Resolve(nil)
	require.Len(t, order, 10)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestResolverDeferred(t *testing.T) {
	d, r := Wait()
	r.Resolve(5)
	v, _, ok := r.Deferred().Poll()
	require.True(t, ok)
	require.Equal(t, 5, v)
	_ = d
}

func TestCancelWaitPairIsNoOp(t *testing.T) {
	d, _ := Wait()
	Cancel(d)
	require.Equal(t, Pending, d.State())
}

func TestCancelTaskPair(t *testing.T) {
	d, _ := Task()
	fired := false
	OnCancel(d, func() { fired = true })

	Cancel(d)

	require.Equal(t, Rejected, d.State())
	_, err, _ := d.Poll()
	require.ErrorIs(t, err, ErrCanceled)
	require.True(t, fired)
}

func TestCancelIsIdempotent(t *testing.T) {
	d, _ := Task()
	cancels := 0
	OnCancel(d, func() { cancels++ })
	Cancel(d)
	Cancel(d)
	Cancel(d)
	assert.Equal(t, 1, cancels)
	require.Equal(t, Rejected, d.State())
}

func TestOnCancelAfterTheFact(t *testing.T) {
	d, _ := Task()
	Cancel(d)
	fired := false
	OnCancel(d, func() { fired = true })
	require.True(t, fired)
}

func TestOnCancelNotFiredOnPlainRejection(t *testing.T) {
	d, r := Wait()
	fired := false
	OnCancel(d, func() { fired = true })
	r.Reject(errors.New("boom"))
	require.False(t, fired)
}

func TestResolveLaterDefersNestedWakeups(t *testing.T) {
	// A waiter that resolves another deferred with the Later flavour must
	// see that resolution happen after the current waiter batch finishes.
	d1, r1 := Wait()
	d2, r2 := Wait()

	var order []string
	OnSuccess(d2, func(Result) { order = append(order, "d2") })
	OnSuccess(d1, func(Result) {
		r2.ResolveLater(nil)
		order = append(order, "d1-after-enqueue")
	})
	OnSuccess(d1, func(Result) { order = append(order, "d1-second") })

	r1.Resolve(nil)

	require.Equal(t, []string{"d1-after-enqueue", "d1-second", "d2"}, order)
	require.Equal(t, Resolved, d2.State())
	_ = d1
}

func TestWakeupLaterDrainsInFIFOOrder(t *testing.T) {
	trigger, rt := Wait()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		d, r := Wait()
		OnSuccess(d, func(Result) { order = append(order, i) })
		OnSuccess(trigger, func(Result) { r.ResolveLater(i) })
	}
	rt.Resolve(nil)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestForwardingChainStaysShallow(t *testing.T) {
	// Build a long chain of binds resolved one by one; path compression
	// must keep representative lookup from degrading.
	d, r := Wait()
	cur := d
	for i := 0; i < 1000; i++ {
		cur = Bind(cur, func(v Result) *Deferred {
			return Resolve(v.(int) + 1)
		})
	}
	r.Resolve(0)
	v, _, ok := cur.Poll()
	require.True(t, ok)
	require.Equal(t, 1000, v)

	// after settling, every handle reaches its representative directly
	n := cur.n.find()
	require.Nil(t, n.forward)
	steps := 0
	for p := cur.n; p.forward != nil; p = p.forward {
		steps++
	}
	require.LessOrEqual(t, steps, 1)
}

func TestWaiterCompaction(t *testing.T) {
	// Clearing more removable cells than the threshold triggers a single
	// compaction pass on the pending node.
	d, r := Wait()
	n := d.n.find()

	for i := 0; i < waiterCleanupThreshold+5; i++ {
		other, _ := Wait()
		cell := &waiterCell{fn: func(State, Result, error) {}}
		n.addRemovableWaiter(cell)
		clearRemovableWaiter(cell, []*Deferred{d, other})
	}
	require.LessOrEqual(t, n.clearedWaiters, waiterCleanupThreshold)

	fired := false
	OnSuccess(d, func(Result) { fired = true })
	r.Resolve(nil)
	require.True(t, fired)
}
