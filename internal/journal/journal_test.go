package journal

import "testing"

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}
	got := r.Entries()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingLenBeforeFull(t *testing.T) {
	r := NewRing[string](5)
	r.Append("a")
	r.Append("b")
	if r.Len() != 2 {
		t.Errorf("expected len 2, got %d", r.Len())
	}
}

func TestRingLast(t *testing.T) {
	r := NewRing[int](2)
	if _, ok := r.Last(); ok {
		t.Fatal("expected no last entry on empty ring")
	}
	r.Append(7)
	r.Append(8)
	last, ok := r.Last()
	if !ok || last != 8 {
		t.Errorf("expected 8, got %v ok=%v", last, ok)
	}
}
