package vecstore

import "testing"

func TestAppendGetOverwrite(t *testing.T) {
	s := New(4)

	id0, err := s.Append([]float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id1, err := s.Append([]float32{5, 6, 7, 8})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id0 != 0 || id1 != 1 {
		t.Fatalf("expected sequential ids 0,1; got %d,%d", id0, id1)
	}
	if s.Len() != 2 {
		t.Fatalf("expected len 2, got %d", s.Len())
	}

	got, err := s.Get(id0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row 0 mismatch: got %v want %v", got, want)
		}
	}

	if err := s.Overwrite(id1, []float32{9, 9, 9, 9}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(id1)
	for _, v := range got {
		if v != 9 {
			t.Fatalf("overwrite did not apply, got %v", got)
		}
	}
}

func TestDimensionMismatchErrors(t *testing.T) {
	s := New(3)
	if _, err := s.Append([]float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestGetOutOfRange(t *testing.T) {
	s := New(2)
	if _, err := s.Get(0); err == nil {
		t.Fatal("expected not-found error on empty store")
	}
}

func TestSnapshotSurvivesGrowth(t *testing.T) {
	s := New(2)
	_, _ = s.Append([]float32{1, 1})
	snap := s.Snapshot()
	if snap.Rows != 1 {
		t.Fatalf("expected 1 row in snapshot, got %d", snap.Rows)
	}

	for i := 0; i < 100; i++ {
		_, _ = s.Append([]float32{float32(i), float32(i)})
	}

	// The snapshot's own view must still report the row count at the
	// time it was taken, regardless of how many buffer reallocations
	// happened afterward.
	if snap.Rows != 1 {
		t.Fatalf("snapshot row count changed after growth: %d", snap.Rows)
	}
	row := snap.Row(0)
	if row[0] != 1 || row[1] != 1 {
		t.Fatalf("snapshot row corrupted: %v", row)
	}
}

func TestLoadFromRoundTrip(t *testing.T) {
	s := New(2)
	flat := []float32{1, 2, 3, 4, 5, 6}
	if err := s.LoadFrom(flat, 3); err != nil {
		t.Fatalf("loadfrom: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", s.Len())
	}
	got, _ := s.Get(2)
	if got[0] != 5 || got[1] != 6 {
		t.Fatalf("row 2 mismatch: %v", got)
	}
}

func TestReserveDoesNotChangeLen(t *testing.T) {
	s := New(4)
	s.Reserve(1000)
	if s.Len() != 0 {
		t.Fatalf("reserve should not change len, got %d", s.Len())
	}
}
