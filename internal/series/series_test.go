package series

import "testing"

func TestRolling_EvictsOldest(t *testing.T) {
	r := NewRolling(3)
	for i := 1; i <= 5; i++ {
		r.Append(float64(i))
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	want := []float64{3, 4, 5}
	got := r.Values()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("values[%d]: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRolling_NegativeIndex(t *testing.T) {
	r := NewRolling(4)
	r.Append(10)
	r.Append(20)
	r.Append(30)
	if v := r.At(-1); v != 30 {
		t.Errorf("At(-1): expected 30, got %v", v)
	}
	if v := r.At(-3); v != 10 {
		t.Errorf("At(-3): expected 10, got %v", v)
	}
	if v, ok := r.Last(); !ok || v != 30 {
		t.Errorf("Last: expected 30/true, got %v/%v", v, ok)
	}
}

func TestRolling_Tail(t *testing.T) {
	r := NewRolling(5)
	for i := 1; i <= 7; i++ {
		r.Append(float64(i))
	}
	tail := r.Tail(2)
	if len(tail) != 2 || tail[0] != 6 || tail[1] != 7 {
		t.Errorf("Tail(2): expected [6 7], got %v", tail)
	}
	all := r.Tail(100)
	if len(all) != 5 || all[0] != 3 {
		t.Errorf("Tail(100): expected 5 values starting at 3, got %v", all)
	}
}

func TestRolling_EmptyAndReset(t *testing.T) {
	r := NewRolling(2)
	if _, ok := r.Last(); ok {
		t.Error("Last on empty window should report !ok")
	}
	r.Append(1)
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("expected len 0 after reset, got %d", r.Len())
	}
	r.Append(9)
	if v, _ := r.Last(); v != 9 {
		t.Errorf("expected 9 after reset+append, got %v", v)
	}
}
