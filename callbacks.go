package deferred

// waiterFn is a continuation registered against a pending node, invoked with
// the node's terminal state exactly once.
type waiterFn func(st State, v Result, err error)

// waiterCell is the one-slot indirection behind a removable waiter: clearing
// fn disables every registration of the cell without touching the waiter
// lists that contain it.
type waiterCell struct {
	fn waiterFn
}

// waiterList is a lazily flattened tree of waiters. nil is the empty list.
// A non-nil list is one of: a permanent waiter (fn != nil), a removable
// waiter (cell != nil), or a concatenation (l/r). Append is O(1); the tree
// is only walked when the node settles or when cleared cells are compacted.
type waiterList struct {
	fn   waiterFn
	cell *waiterCell
	l, r *waiterList
}

// waiterCleanupThreshold is the number of cleared removable cells a pending
// node tolerates before its waiter list is compacted in a single traversal.
const waiterCleanupThreshold = 42

// concatWaiters appends b after a in registration order.
func concatWaiters(a, b *waiterList) *waiterList {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &waiterList{l: a, r: b}
}

// addWaiter appends a permanent waiter to n, which must be a pending
// representative.
func (n *node) addWaiter(fn waiterFn) {
	n.waiters = concatWaiters(n.waiters, &waiterList{fn: fn})
}

// addRemovableWaiter appends a registration of cell to n. The same cell may
// be registered against many nodes; clearing it disables all of them.
func (n *node) addRemovableWaiter(cell *waiterCell) {
	n.waiters = concatWaiters(n.waiters, &waiterList{cell: cell})
}

// addCancelWaiter appends a waiter run only when the node rejects with
// [ErrCanceled], ahead of the regular waiters.
func (n *node) addCancelWaiter(fn waiterFn) {
	n.cancelWaiters = concatWaiters(n.cancelWaiters, &waiterList{fn: fn})
}

// fireWaiters invokes every live waiter in w in registration order.
func fireWaiters(w *waiterList, st State, v Result, err error) {
	// Iterative left-to-right traversal; the tree depth equals the number
	// of concatenations, so recursion is avoided.
	var stack []*waiterList
	for w != nil || len(stack) > 0 {
		for w != nil && w.l != nil {
			stack = append(stack, w.r)
			w = w.l
		}
		if w != nil {
			switch {
			case w.fn != nil:
				w.fn(st, v, err)
			case w.cell != nil && w.cell.fn != nil:
				w.cell.fn(st, v, err)
			}
		}
		w = nil
		if len(stack) > 0 {
			w = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
	}
}

// compactWaiters rebuilds n's waiter list dropping cleared removable cells,
// and resets the cleared counter.
func compactWaiters(n *node) {
	var live []*waiterList
	var stack []*waiterList
	w := n.waiters
	for w != nil || len(stack) > 0 {
		for w != nil && w.l != nil {
			stack = append(stack, w.r)
			w = w.l
		}
		if w != nil && (w.fn != nil || (w.cell != nil && w.cell.fn != nil)) {
			live = append(live, w)
		}
		w = nil
		if len(stack) > 0 {
			w = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
	}
	var rebuilt *waiterList
	for _, lw := range live {
		rebuilt = concatWaiters(rebuilt, lw)
	}
	n.waiters = rebuilt
	n.clearedWaiters = 0
}

// clearRemovableWaiter disables cell and accounts for the now-dead
// registrations on every still-pending input, compacting any list that has
// accumulated too many cleared cells. Settled inputs dropped their lists
// when they settled, so only pending ones matter.
func clearRemovableWaiter(cell *waiterCell, ds []*Deferred) {
	cell.fn = nil
	for _, d := range ds {
		n := d.n.find()
		if n.state != Pending {
			continue
		}
		n.clearedWaiters++
		if n.clearedWaiters > waiterCleanupThreshold {
			compactWaiters(n)
		}
	}
}
