package token

import "testing"

func TestNewIsDeterministic(t *testing.T) {
	a := New(1, []byte("k"), []byte("v"))
	b := New(1, []byte("k"), []byte("v"))
	if a.Bytes() != b.Bytes() {
		t.Fatal("Token of identical inputs must be identical")
	}
}

func TestNewDiffersOnInput(t *testing.T) {
	a := New(1, []byte("k"), []byte("v1"))
	b := New(1, []byte("k"), []byte("v2"))
	if a.Bytes() == b.Bytes() {
		t.Fatal("different inputs should (almost certainly) hash differently")
	}
}

func TestSortForAcquisitionIsStable(t *testing.T) {
	toks := []Token{
		New(1, []byte("c")),
		New(1, []byte("a")),
		New(1, []byte("b")),
	}
	sorted := SortForAcquisition(toks)
	for i := 0; i < len(sorted)-1; i++ {
		if !sorted[i].Less(sorted[i+1]) && sorted[i].Bytes() != sorted[i+1].Bytes() {
			t.Fatalf("tokens out of canonical order at index %d", i)
		}
	}
}

func TestLazyCacheReturnsMemoizedValue(t *testing.T) {
	cache := NewLazyCache(2)
	calls := 0
	compute := func() Token {
		calls++
		return New(1, []byte("x"))
	}

	first := cache.GetOrCompute("x", compute)
	second := cache.GetOrCompute("x", compute)

	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
	if first.Bytes() != second.Bytes() {
		t.Fatal("memoized token should be stable")
	}
}

func TestLazyCacheEvictsBeyondCapacity(t *testing.T) {
	cache := NewLazyCache(2)
	cache.GetOrCompute("a", func() Token { return New(1, []byte("a")) })
	cache.GetOrCompute("b", func() Token { return New(1, []byte("b")) })
	cache.GetOrCompute("c", func() Token { return New(1, []byte("c")) })

	if cache.Len() != 2 {
		t.Fatalf("cache size = %d, want 2", cache.Len())
	}
}
