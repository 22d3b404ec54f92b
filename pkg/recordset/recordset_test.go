package recordset

import "testing"

func TestAddContainsLen(t *testing.T) {
	s := New()
	s.Add(1)
	s.Add(2)
	s.Add(2)
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if !s.Contains(1) || !s.Contains(2) {
		t.Fatal("expected both records present")
	}
	if s.Contains(3) {
		t.Fatal("record 3 should not be present")
	}
}

func TestUnionIntersectXor(t *testing.T) {
	a := FromSlice([]uint64{1, 2, 3})
	b := FromSlice([]uint64{2, 3, 4})

	u := a.Union(b)
	if u.Len() != 4 {
		t.Fatalf("Union Len() = %d, want 4", u.Len())
	}

	i := a.Intersect(b)
	if i.Len() != 2 || !i.Contains(2) || !i.Contains(3) {
		t.Fatalf("Intersect result wrong: %v", i.ToSlice())
	}

	x := a.Xor(b)
	if x.Len() != 2 || !x.Contains(1) || !x.Contains(4) {
		t.Fatalf("Xor result wrong: %v", x.ToSlice())
	}
}

func TestRemove(t *testing.T) {
	s := FromSlice([]uint64{1, 2, 3})
	s.Remove(2)
	if s.Contains(2) {
		t.Fatal("record 2 should have been removed")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
}
