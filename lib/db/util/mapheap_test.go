package util

import (
	"testing"
)

func TestMapHeapOrdering(t *testing.T) {
	h := NewMapHeap[string]()

	h.AddItem("b", 200)
	h.AddItem("a", 100)
	h.AddItem("c", 50)

	if h.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", h.Len())
	}

	it, ok := h.Peek()
	if !ok || it.Key != "c" || it.Priority != 50 {
		t.Fatalf("expected (c,50) on top, got %v", it)
	}

	got := h.PopUntil(1000)
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if h.Len() != 0 {
		t.Errorf("heap should be empty, has %d", h.Len())
	}
}

func TestMapHeapUpdate(t *testing.T) {
	h := NewMapHeap[string]()
	h.AddItem("x", 100)
	h.AddItem("y", 200)

	// move x behind y
	h.AddItem("x", 300)
	if h.Len() != 2 {
		t.Fatalf("update must not duplicate, len=%d", h.Len())
	}

	it, _ := h.Peek()
	if it.Key != "y" {
		t.Errorf("expected y on top after update, got %s", it.Key)
	}

	x, ok := h.GetByKey("x")
	if !ok || x.Priority != 300 {
		t.Errorf("expected x with priority 300, got %v", x)
	}
}

func TestMapHeapRemoveByKey(t *testing.T) {
	h := NewMapHeap[int]()
	for i := 0; i < 10; i++ {
		h.AddItem(i, uint64(100-i))
	}

	prio, ok := h.RemoveByKey(9)
	if !ok || prio != 91 {
		t.Fatalf("expected to remove key 9 with prio 91, got %d %v", prio, ok)
	}
	if h.Contains(9) {
		t.Error("key 9 should be gone")
	}
	if _, ok := h.RemoveByKey(9); ok {
		t.Error("second removal should report false")
	}

	it, _ := h.Peek()
	if it.Key != 8 {
		t.Errorf("expected key 8 on top, got %d", it.Key)
	}
}

func TestMapHeapPopUntil(t *testing.T) {
	tests := []struct {
		name  string
		limit uint64
		want  int
	}{
		{"none due", 5, 0},
		{"boundary inclusive", 10, 1},
		{"some due", 25, 2},
		{"all due", 1000, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMapHeap[string]()
			h.AddItem("a", 10)
			h.AddItem("b", 20)
			h.AddItem("c", 30)
			h.AddItem("d", 40)

			got := h.PopUntil(tt.limit)
			if len(got) != tt.want {
				t.Errorf("expected %d keys, got %d (%v)", tt.want, len(got), got)
			}
			if h.Len() != 4-tt.want {
				t.Errorf("expected %d remaining, got %d", 4-tt.want, h.Len())
			}
		})
	}
}

func TestMapHeapEmpty(t *testing.T) {
	h := NewMapHeap[string]()
	if _, ok := h.Peek(); ok {
		t.Error("peek on empty heap should fail")
	}
	if keys := h.PopUntil(^uint64(0)); len(keys) != 0 {
		t.Errorf("expected nothing, got %v", keys)
	}
}
