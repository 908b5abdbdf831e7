package dlist

import "testing"

func collect[T any](l *List[T]) []T {
	var out []T
	l.Iter(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestPushBackOrder(t *testing.T) {
	l := New[int]()
	if !l.Empty() {
		t.Fatal("new list not empty")
	}
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)
	got := collect(l)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
}

func TestPushFront(t *testing.T) {
	l := New[string]()
	l.PushBack("b")
	l.PushFront("a")
	got := collect(l)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	n := l.PushBack(2)
	l.PushBack(3)

	n.Remove()
	if n.Attached() {
		t.Fatal("node still attached after Remove")
	}
	n.Remove() // second removal must be a no-op
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	got := collect(l)
	if got[0] != 1 || got[1] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestRemoveDuringIteration(t *testing.T) {
	l := New[int]()
	var nodes []*Node[int]
	for i := 1; i <= 4; i++ {
		nodes = append(nodes, l.PushBack(i))
	}
	var seen []int
	l.IterNodes(func(n *Node[int]) bool {
		seen = append(seen, n.Value)
		n.Remove()
		return true
	})
	if len(seen) != 4 {
		t.Fatalf("seen %v", seen)
	}
	if !l.Empty() {
		t.Fatalf("list not empty, len %d", l.Len())
	}
	_ = nodes
}

func TestTransferTo(t *testing.T) {
	a := New[int]()
	b := New[int]()
	a.PushBack(1)
	a.PushBack(2)
	b.PushBack(10)
	n := a.PushBack(3)

	a.TransferTo(b)

	if !a.Empty() {
		t.Fatal("source not empty after transfer")
	}
	got := collect(b)
	want := []int{10, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	// node handles follow their elements
	n.Remove()
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
}

func TestTransferToEmptyAndSelf(t *testing.T) {
	a := New[int]()
	b := New[int]()
	a.TransferTo(b) // empty source: no-op
	if !b.Empty() {
		t.Fatal("dst not empty")
	}
	b.PushBack(1)
	b.TransferTo(b) // self transfer: no-op
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestClear(t *testing.T) {
	l := New[int]()
	n := l.PushBack(1)
	l.PushBack(2)
	l.Clear()
	if !l.Empty() || n.Attached() {
		t.Fatal("Clear left state behind")
	}
	l.PushBack(3)
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}
