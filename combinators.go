package deferred

import (
	"errors"
	"math/rand/v2"
)

var errEmptyChoice = errors.New("deferred: choice over an empty set of deferreds")

// tieRand breaks ties between simultaneously terminal inputs in [Choose]
// and [Pick]. The fixed seed keeps programs that never touch the reactor
// fully reproducible from run to run.
var tieRand = rand.New(rand.NewPCG(0x6c77740d3f7c5a17, 42))

// applyThunk runs f, converting a panic into a rejected deferred and a nil
// return into a rejection.
func applyThunk(f func() *Deferred) (out *Deferred) {
	defer func() {
		if r := recover(); r != nil {
			out = Reject(PanicError{Value: r})
		}
	}()
	out = f()
	if out == nil {
		out = Reject(errors.New("deferred: callback returned a nil deferred"))
	}
	return
}

// applyBind runs a bind continuation under the same protection rules.
func applyBind(f func(Result) *Deferred, v Result) (out *Deferred) {
	defer func() {
		if r := recover(); r != nil {
			out = Reject(PanicError{Value: r})
		}
	}()
	out = f(v)
	if out == nil {
		out = Reject(errors.New("deferred: callback returned a nil deferred"))
	}
	return
}

// applyCatch runs a rejection handler under the same protection rules.
func applyCatch(h func(error) *Deferred, err error) (out *Deferred) {
	defer func() {
		if r := recover(); r != nil {
			out = Reject(PanicError{Value: r})
		}
	}()
	out = h(err)
	if out == nil {
		out = Reject(errors.New("deferred: callback returned a nil deferred"))
	}
	return
}

// Bind waits for d and feeds its value to f, whose deferred becomes the
// result. A rejection of d passes through untouched. Cancelling the result
// propagates back through d to the nearest cancellable task.
func Bind(d *Deferred, f func(Result) *Deferred) *Deferred {
	n := d.n.find()
	switch n.state {
	case Resolved:
		return applyBind(f, n.result)
	case Rejected:
		return &Deferred{n: n}
	}
	t := &node{cancelLink: n}
	n.addWaiter(captureContext(func(st State, v Result, err error) {
		target := t.find()
		if target.state != Pending {
			return
		}
		if st == Resolved {
			connect(target, applyBind(f, v))
		} else {
			settleNode(target, Rejected, nil, err, true)
		}
	}))
	return &Deferred{n: t}
}

// Map waits for d and resolves with f applied to its value. A panic in f
// rejects the result with [PanicError]; a rejection of d passes through.
func Map(d *Deferred, f func(Result) Result) *Deferred {
	return Bind(d, func(v Result) *Deferred {
		return Resolve(f(v))
	})
}

// Catch runs f; if its deferred rejects, the rejection is fed to h, whose
// deferred becomes the result. Resolved values pass through h untouched.
func Catch(f func() *Deferred, h func(error) *Deferred) *Deferred {
	d := applyThunk(f)
	n := d.n.find()
	switch n.state {
	case Resolved:
		return &Deferred{n: n}
	case Rejected:
		return applyCatch(h, n.err)
	}
	t := &node{cancelLink: n}
	n.addWaiter(captureContext(func(st State, v Result, err error) {
		target := t.find()
		if target.state != Pending {
			return
		}
		if st == Resolved {
			settleNode(target, Resolved, v, nil, true)
		} else {
			connect(target, applyCatch(h, err))
		}
	}))
	return &Deferred{n: t}
}

// TryBind runs f and dispatches its outcome: the value to g on resolution,
// the error to h on rejection.
func TryBind(f func() *Deferred, g func(Result) *Deferred, h func(error) *Deferred) *Deferred {
	d := applyThunk(f)
	n := d.n.find()
	switch n.state {
	case Resolved:
		return applyBind(g, n.result)
	case Rejected:
		return applyCatch(h, n.err)
	}
	t := &node{cancelLink: n}
	n.addWaiter(captureContext(func(st State, v Result, err error) {
		target := t.find()
		if target.state != Pending {
			return
		}
		if st == Resolved {
			connect(target, applyBind(g, v))
		} else {
			connect(target, applyCatch(h, err))
		}
	}))
	return &Deferred{n: t}
}

// Finalize runs f, then always runs g once f's outcome is known, forwarding
// f's outcome after g's deferred resolves. A failure of g replaces the
// outcome.
func Finalize(f func() *Deferred, g func() *Deferred) *Deferred {
	return TryBind(f,
		func(v Result) *Deferred {
			return Bind(applyThunk(g), func(Result) *Deferred {
				return Resolve(v)
			})
		},
		func(err error) *Deferred {
			return Bind(applyThunk(g), func(Result) *Deferred {
				return Reject(err)
			})
		})
}

// Choose settles as the first input to reach a terminal state. If several
// inputs are already terminal at call time, one is picked uniformly at
// random (deterministically seeded). The unchosen inputs are not cancelled.
func Choose(ds ...*Deferred) *Deferred {
	return choice(false, ds)
}

// Pick is [Choose] plus cancellation of every other input once a winner
// settles.
func Pick(ds ...*Deferred) *Deferred {
	return choice(true, ds)
}

func choice(cancelRest bool, ds []*Deferred) *Deferred {
	if len(ds) == 0 {
		panic(errEmptyChoice)
	}
	var terminal []*node
	for _, d := range ds {
		if n := d.n.find(); n.state != Pending {
			terminal = append(terminal, n)
		}
	}
	if len(terminal) > 0 {
		winner := terminal[0]
		if len(terminal) > 1 {
			winner = terminal[tieRand.IntN(len(terminal))]
		}
		if cancelRest {
			for _, d := range ds {
				Cancel(d)
			}
		}
		return &Deferred{n: winner}
	}

	t := &node{}
	t.cancelThunk = func() {
		for _, d := range ds {
			Cancel(d)
		}
	}
	cell := &waiterCell{}
	cell.fn = func(st State, v Result, err error) {
		clearRemovableWaiter(cell, ds)
		target := t.find()
		if target.state != Pending {
			return
		}
		if cancelRest {
			for _, d := range ds {
				Cancel(d)
			}
		}
		settleNode(target, st, v, err, true)
	}
	for _, d := range ds {
		d.n.find().addRemovableWaiter(cell)
	}
	return &Deferred{n: t}
}

// Join waits for every input. It resolves with nil once all inputs have
// resolved, and rejects with the first rejection to arrive (in time, not in
// argument order) once all inputs have settled.
func Join(ds ...*Deferred) *Deferred {
	var firstErr error
	remaining := 0
	for _, d := range ds {
		n := d.n.find()
		switch n.state {
		case Pending:
			remaining++
		case Rejected:
			if firstErr == nil {
				firstErr = n.err
			}
		}
	}
	if remaining == 0 {
		if firstErr != nil {
			return Reject(firstErr)
		}
		return Resolve(nil)
	}

	t := &node{}
	t.cancelThunk = func() {
		for _, d := range ds {
			Cancel(d)
		}
	}
	for _, d := range ds {
		n := d.n.find()
		if n.state != Pending {
			continue
		}
		n.addWaiter(func(st State, v Result, err error) {
			if st == Rejected && firstErr == nil {
				firstErr = err
			}
			remaining--
			if remaining > 0 {
				return
			}
			target := t.find()
			if target.state != Pending {
				return
			}
			if firstErr != nil {
				settleNode(target, Rejected, nil, firstErr, true)
			} else {
				settleNode(target, Resolved, nil, nil, true)
			}
		})
	}
	return &Deferred{n: t}
}

// Both waits for a and b and resolves with their values as a [2]Result. If
// either rejects, the result rejects with the first rejection to arrive,
// after both have settled.
func Both(a, b *Deferred) *Deferred {
	return Map(Join(a, b), func(Result) Result {
		va, _, _ := a.Poll()
		vb, _, _ := b.Poll()
		return [2]Result{va, vb}
	})
}

// ChoiceSplit is the result of [NChooseSplit]: the values of the inputs
// that had resolved when the choice settled, and the inputs still pending
// at that instant.
type ChoiceSplit struct {
	Resolved []Result
	Pending  []*Deferred
}

// NChoose waits until at least one input has settled. The first terminal
// state observed is decisive: a rejection rejects the result, a resolution
// resolves it with the values of every input resolved at that instant, in
// input order.
func NChoose(ds ...*Deferred) *Deferred {
	return nchoice(false, false, ds)
}

// NPick is [NChoose] plus cancellation of the still-pending inputs once the
// result is constructed.
func NPick(ds ...*Deferred) *Deferred {
	return nchoice(true, false, ds)
}

// NChooseSplit is [NChoose], but resolves with a [ChoiceSplit] carrying the
// still-pending inputs alongside the resolved values.
func NChooseSplit(ds ...*Deferred) *Deferred {
	return nchoice(false, true, ds)
}

func nchoice(cancelRest, split bool, ds []*Deferred) *Deferred {
	if len(ds) == 0 {
		panic(errEmptyChoice)
	}

	gather := func() Result {
		var resolved []Result
		var pending []*Deferred
		for _, d := range ds {
			n := d.n.find()
			switch n.state {
			case Resolved:
				resolved = append(resolved, n.result)
			case Pending:
				pending = append(pending, d)
			}
		}
		if split {
			return ChoiceSplit{Resolved: resolved, Pending: pending}
		}
		return resolved
	}

	var firstRejected *node
	anyResolved := false
	for _, d := range ds {
		n := d.n.find()
		if n.state == Rejected && firstRejected == nil {
			firstRejected = n
		}
		if n.state == Resolved {
			anyResolved = true
		}
	}
	if firstRejected != nil {
		if cancelRest {
			for _, d := range ds {
				Cancel(d)
			}
		}
		return &Deferred{n: firstRejected}
	}
	if anyResolved {
		result := gather()
		if cancelRest {
			for _, d := range ds {
				Cancel(d)
			}
		}
		return Resolve(result)
	}

	t := &node{}
	t.cancelThunk = func() {
		for _, d := range ds {
			Cancel(d)
		}
	}
	cell := &waiterCell{}
	cell.fn = func(st State, v Result, err error) {
		clearRemovableWaiter(cell, ds)
		target := t.find()
		if target.state != Pending {
			return
		}
		if st == Rejected {
			if cancelRest {
				for _, d := range ds {
					Cancel(d)
				}
			}
			settleNode(target, Rejected, nil, err, true)
			return
		}
		result := gather()
		if cancelRest {
			for _, d := range ds {
				Cancel(d)
			}
		}
		settleNode(target, Resolved, result, nil, true)
	}
	for _, d := range ds {
		d.n.find().addRemovableWaiter(cell)
	}
	return &Deferred{n: t}
}

// Protected returns a deferred that mirrors d's outcome but is insulated
// from cancellation: cancelling the result rejects only the result, never
// d. A settled d is returned as-is.
func Protected(d *Deferred) *Deferred {
	n := d.n.find()
	if n.state != Pending {
		return d
	}
	t := &node{}
	cell := &waiterCell{}
	cell.fn = func(st State, v Result, err error) {
		cell.fn = nil
		settleNode(t.find(), st, v, err, true)
	}
	n.addRemovableWaiter(cell)
	t.cancelThunk = func() {
		clearRemovableWaiter(cell, []*Deferred{d})
		settleNode(t.find(), Rejected, nil, ErrCanceled, false)
	}
	return &Deferred{n: t}
}

// OnSuccess runs f with d's value when (or if) it resolves. Panics in f are
// routed to the async exception hook.
func OnSuccess(d *Deferred, f func(Result)) {
	n := d.n.find()
	switch n.state {
	case Resolved:
		v := n.result
		runProtected(func() { f(v) })
	case Pending:
		n.addWaiter(captureContext(func(st State, v Result, _ error) {
			if st == Resolved {
				runProtected(func() { f(v) })
			}
		}))
	}
}

// OnFailure runs f with d's rejection reason when (or if) it rejects.
func OnFailure(d *Deferred, f func(error)) {
	n := d.n.find()
	switch n.state {
	case Rejected:
		err := n.err
		runProtected(func() { f(err) })
	case Pending:
		n.addWaiter(captureContext(func(st State, _ Result, err error) {
			if st == Rejected {
				runProtected(func() { f(err) })
			}
		}))
	}
}

// OnTermination runs f when d settles, however it settles.
func OnTermination(d *Deferred, f func()) {
	n := d.n.find()
	if n.state != Pending {
		runProtected(f)
		return
	}
	n.addWaiter(captureContext(func(State, Result, error) {
		runProtected(f)
	}))
}

// IgnoreResult declares that d's value is not wanted. If d is already
// rejected its reason is raised immediately (as a panic); a later rejection
// is routed to the async exception hook. Resolutions are discarded.
func IgnoreResult(d *Deferred) {
	n := d.n.find()
	switch n.state {
	case Rejected:
		panic(n.err)
	case Pending:
		n.addWaiter(func(st State, _ Result, err error) {
			if st != Rejected {
				return
			}
			if h := asyncExceptionHook; h != nil {
				h(err)
				return
			}
			logger().Err().Err(err).Log("deferred: ignored deferred rejected")
		})
	}
}
