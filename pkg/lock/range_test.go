package lock

import (
	"context"
	"testing"
	"time"

	"github.com/concourse-go/concourse/pkg/value"
)

func TestWritePointExclusiveOnSameValue(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	g1, err := s.WritePoint(ctx, "name", value.String("alice"), 1)
	if err != nil {
		t.Fatalf("first WritePoint: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		g2, err := s.WritePoint(ctx, "name", value.String("alice"), 2)
		if err != nil {
			return
		}
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("conflicting WritePoint acquired while held")
	case <-time.After(30 * time.Millisecond):
	}

	g1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("WritePoint never granted after release")
	}
}

func TestWritePointOnDifferentValuesDoesNotConflict(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	g1, err := s.WritePoint(ctx, "name", value.String("alice"), 1)
	if err != nil {
		t.Fatalf("WritePoint(alice): %v", err)
	}
	defer g1.Release()

	g2, err := s.WritePoint(ctx, "name", value.String("bob"), 2)
	if err != nil {
		t.Fatalf("WritePoint(bob) should not block: %v", err)
	}
	g2.Release()
}

func TestReadRangeBlocksOverlappingWrite(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	iv := Interval{Lo: value.Int64(0), Hi: value.Int64(100)}
	g1, err := s.ReadRange(ctx, "age", iv, 1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		g2, err := s.WritePoint(ctx, "age", value.Int64(50), 2)
		if err != nil {
			return
		}
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping WritePoint acquired while range read held")
	case <-time.After(30 * time.Millisecond):
	}

	g1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("WritePoint never granted after range read released")
	}
}

func TestReadRangeAllowsNonOverlappingWrite(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	iv := Interval{Lo: value.Int64(0), Hi: value.Int64(10)}
	g1, err := s.ReadRange(ctx, "age", iv, 1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	defer g1.Release()

	g2, err := s.WritePoint(ctx, "age", value.Int64(50), 2)
	if err != nil {
		t.Fatalf("non-overlapping WritePoint should not block: %v", err)
	}
	g2.Release()
}

func TestContextCancelUnblocksWaiter(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	g1, err := s.WritePoint(ctx, "k", value.Int64(1), 1)
	if err != nil {
		t.Fatalf("WritePoint: %v", err)
	}
	defer g1.Release()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.WritePoint(cctx, "k", value.Int64(1), 2)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestDeadlockDetectedAbortsYoungest(t *testing.T) {
	s := NewRangeLockService()
	ctx := context.Background()

	// owner 1 holds k1, owner 2 holds k2; each then tries for the
	// other's key, forming a two-cycle. The younger owner (2) must be
	// the one whose acquire fails.
	g1, err := s.WritePoint(ctx, "k1", value.Int64(1), 1)
	if err != nil {
		t.Fatalf("owner1 WritePoint(k1): %v", err)
	}
	defer g1.Release()

	g2, err := s.WritePoint(ctx, "k2", value.Int64(1), 2)
	if err != nil {
		t.Fatalf("owner2 WritePoint(k2): %v", err)
	}
	defer g2.Release()

	errCh1 := make(chan error, 1)
	go func() {
		g, err := s.WritePoint(ctx, "k2", value.Int64(1), 1)
		if err == nil {
			g.Release()
		}
		errCh1 <- err
	}()

	errCh2 := make(chan error, 1)
	go func() {
		g, err := s.WritePoint(ctx, "k1", value.Int64(1), 2)
		if err == nil {
			g.Release()
		}
		errCh2 <- err
	}()

	select {
	case err := <-errCh2:
		if err == nil {
			t.Fatal("expected owner 2 to be aborted as the deadlock victim")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock never detected")
	}

	g1.Release()
	select {
	case err := <-errCh1:
		if err != nil {
			t.Fatalf("owner 1 should eventually succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("owner 1 never granted after owner 2 aborted")
	}
}
