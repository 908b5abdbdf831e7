package deferred

// Result represents the value carried by a resolved deferred. It can be any
// type; rejection reasons are always error values.
type Result = any

// State represents the lifecycle state of a [Deferred]. A deferred starts
// Pending and transitions exactly once to either Resolved or Rejected.
// Terminal states are sticky: they never change.
type State int32

const (
	// Pending indicates the deferred has not settled yet.
	Pending State = iota

	// Resolved indicates the deferred completed with a value.
	Resolved

	// Rejected indicates the deferred failed with an error.
	Rejected
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// node is the shared mutable representation behind [Deferred] and [Resolver]
// handles. A node is either settled (state != Pending), pending, or an alias
// for another node (forward != nil). Alias chains are flattened with path
// compression every time a representative is looked up, so they stay short
// regardless of how many times a deferred has been merged.
//
// Nodes are confined to the scheduler goroutine; no field is synchronized.
type node struct {
	state  State
	result Result // value when Resolved
	err    error  // reason when Rejected

	// forward, when non-nil, marks this node as an alias: all operations
	// apply to the representative at the end of the forward chain.
	forward *node

	// Pending-only fields. At most one of cancelThunk/cancelLink is used:
	// a direct cancel action, or a link to the pending node whose handle
	// this one shares (how Bind intermediates inherit cancellation).
	// Neither is set for a [Wait] pair, whose cancel handle is a no-op.
	cancelThunk func()
	cancelLink  *node

	waiters        *waiterList
	cancelWaiters  *waiterList
	clearedWaiters int // removable cells cleared but not yet compacted
}

// find returns the representative for n, compressing the forward chain so
// that every visited node points directly at the result.
func (n *node) find() *node {
	root := n
	for root.forward != nil {
		root = root.forward
	}
	for n != root {
		next := n.forward
		n.forward = root
		n = next
	}
	return root
}

// Deferred is the read handle for an eventual result. The zero value is not
// usable; obtain deferreds from [Wait], [Task], [Resolve], [Reject], or a
// combinator.
type Deferred struct {
	n *node
}

// Resolver is the write capability for a pending [Deferred]. It is used at
// most once to move the deferred from Pending to a terminal state.
type Resolver struct {
	n *node
}

// Wait creates a pending deferred together with its resolver. The deferred
// has a no-op cancel handle: [Cancel] does not reject it, and cancellation
// does not propagate past it.
func Wait() (*Deferred, *Resolver) {
	n := &node{}
	return &Deferred{n: n}, &Resolver{n: n}
}

// Task creates a pending deferred together with its resolver, installing a
// default cancel action that rejects the deferred with [ErrCanceled].
func Task() (*Deferred, *Resolver) {
	n := &node{}
	n.cancelThunk = func() {
		settleNode(n.find(), Rejected, nil, ErrCanceled, false)
	}
	return &Deferred{n: n}, &Resolver{n: n}
}

// Resolve returns a deferred that is already resolved with v.
func Resolve(v Result) *Deferred {
	return &Deferred{n: &node{state: Resolved, result: v}}
}

// Reject returns a deferred that is already rejected with err.
func Reject(err error) *Deferred {
	return &Deferred{n: &node{state: Rejected, err: err}}
}

// State returns the current state of the deferred. It observes only; it
// never forces progress.
func (d *Deferred) State() State {
	return d.n.find().state
}

// Poll is a non-blocking snapshot: ok is false while the deferred is
// pending; otherwise exactly one of v, err carries the outcome.
func (d *Deferred) Poll() (v Result, err error, ok bool) {
	n := d.n.find()
	switch n.state {
	case Resolved:
		return n.result, nil, true
	case Rejected:
		return nil, n.err, true
	default:
		return nil, nil, false
	}
}

// Deferred returns the read handle associated with the resolver. It is the
// same underlying deferred handed out by [Wait] or [Task].
func (r *Resolver) Deferred() *Deferred {
	return &Deferred{n: r.n}
}

// Resolve settles the deferred with v and runs its waiters before
// returning. Resolving a deferred already rejected with [ErrCanceled] is a
// silent no-op (the owner may have cancelled it while this resolution was
// in flight); resolving any other settled deferred panics with
// [ErrAlreadyResolved].
func (r *Resolver) Resolve(v Result) {
	r.settle(Resolved, v, nil, false)
}

// Reject settles the deferred with err. See [Resolver.Resolve] for the
// terminal-state rules.
func (r *Resolver) Reject(err error) {
	r.settle(Rejected, nil, err, false)
}

// ResolveLater is like [Resolver.Resolve], but when called from inside a
// waiter it defers running the new waiters until the outermost resolution
// has run its own waiters (they still run before that resolution returns),
// keeping stack depth bounded when one waiter settles many deferreds.
func (r *Resolver) ResolveLater(v Result) {
	r.settle(Resolved, v, nil, true)
}

// RejectLater is the deferred-wakeup flavour of [Resolver.Reject].
func (r *Resolver) RejectLater(err error) {
	r.settle(Rejected, nil, err, true)
}

func (r *Resolver) settle(st State, v Result, err error, later bool) {
	n := r.n.find()
	if n.state != Pending {
		if n.state == Rejected && isCanceledError(n.err) {
			return
		}
		panic(ErrAlreadyResolved)
	}
	settleNode(n, st, v, err, later)
}
