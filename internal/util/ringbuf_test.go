package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	if got := r.Last(2); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("Last(2) = %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("Last(10) returned %d items, want 3", len(got))
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
}
