package btree

import (
	"sync"
	"testing"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/types"
	"github.com/concourse-go/concourse/pkg/value"
)

func TestInsertAndGet(t *testing.T) {
	tree := NewTree(3)
	for i := 0; i < 200; i++ {
		if err := tree.Insert(value.Int64(i), int64(i*10)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < 200; i++ {
		got, ok := tree.Get(value.Int64(i))
		if !ok {
			t.Fatalf("Get(%d): not found", i)
		}
		if got != int64(i*10) {
			t.Fatalf("Get(%d) = %d, want %d", i, got, i*10)
		}
	}

	if _, ok := tree.Get(value.Int64(999)); ok {
		t.Fatal("Get(999): expected miss")
	}
}

func TestUniqueTreeRejectsDuplicates(t *testing.T) {
	tree := NewUniqueTree(3)
	if err := tree.Insert(value.String("a"), 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := tree.Insert(value.String("a"), 2)
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, ok := err.(*cerrors.DuplicateEntry); !ok {
		t.Fatalf("expected *cerrors.DuplicateEntry, got %T", err)
	}
}

func TestRangeScanOrderedAndBounded(t *testing.T) {
	tree := NewTree(4)
	for i := 0; i < 500; i++ {
		if err := tree.Insert(value.Int64(i), int64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var got []int64
	tree.RangeScan(value.Int64(100), value.Int64(110), func(key types.Comparable, dataPtr int64) bool {
		got = append(got, dataPtr)
		return true
	})

	if len(got) != 11 {
		t.Fatalf("RangeScan returned %d entries, want 11", len(got))
	}
	for i, v := range got {
		want := int64(100 + i)
		if v != want {
			t.Fatalf("entry %d = %d, want %d", i, v, want)
		}
	}
}

func TestRangeScanUnboundedEnds(t *testing.T) {
	tree := NewTree(4)
	for i := 0; i < 50; i++ {
		_ = tree.Insert(value.Int64(i), int64(i))
	}

	var fromStart []int64
	tree.RangeScan(nil, value.Int64(4), func(key types.Comparable, dataPtr int64) bool {
		fromStart = append(fromStart, dataPtr)
		return true
	})
	if len(fromStart) != 5 {
		t.Fatalf("RangeScan(nil, 4) returned %d entries, want 5", len(fromStart))
	}

	var toEnd []int64
	tree.RangeScan(value.Int64(47), nil, func(key types.Comparable, dataPtr int64) bool {
		toEnd = append(toEnd, dataPtr)
		return true
	})
	if len(toEnd) != 3 {
		t.Fatalf("RangeScan(47, nil) returned %d entries, want 3", len(toEnd))
	}
}

func TestConcurrentInsertAndGet(t *testing.T) {
	tree := NewTree(8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = tree.Insert(value.Int64(base*1000+i), int64(base*1000+i))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		for i := 0; i < 200; i++ {
			key := w*1000 + i
			got, ok := tree.Get(value.Int64(key))
			if !ok || got != int64(key) {
				t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", key, got, ok, key)
			}
		}
	}
}
