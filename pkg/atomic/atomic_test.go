package atomic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/database"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/value"
)

type testClock struct{ next uint64 }

func (c *testClock) Next(n int) uint64 {
	first := c.next + 1
	c.next += uint64(n)
	return first
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	buf, err := buffer.Open(filepath.Join(dir, "buffer"), buffer.DefaultConfig(), db)
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	t.Cleanup(func() { _ = buf.Close() })

	return store.New(buf, db)
}

func newTestOperation(t *testing.T, s *store.Store, locks *lock.LockService, ranges *lock.RangeLockService, startVersion uint64) *AtomicOperation {
	t.Helper()
	return New(s, locks, ranges, startVersion)
}

func TestAddThenVerifyWithinSeparateOperations(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op1 := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := op1.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if _, err := op1.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op2 := newTestOperation(t, s, locks, ranges, 3)
	live, err := op2.Verify(ctx, "name", value.String("alice"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected alice to be live after commit")
	}
	if _, err := op2.Commit(4); err != nil {
		t.Fatalf("Commit (read-only): %v", err)
	}
}

func TestCommitFailsOnInterveningWrite(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	seed := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := seed.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("seed Add: ok=%v err=%v", ok, err)
	}
	if _, err := seed.Commit(2); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	reader := newTestOperation(t, s, locks, ranges, 3)
	if _, err := reader.Select(ctx, "name", 100, store.Now); err != nil {
		t.Fatalf("reader Select: %v", err)
	}

	writer := newTestOperation(t, s, locks, ranges, 4)
	if ok, err := writer.Add(ctx, "email", value.String("a@example.com"), 100); err != nil || !ok {
		t.Fatalf("writer Add: ok=%v err=%v", ok, err)
	}
	if _, err := writer.Commit(5); err != nil {
		t.Fatalf("writer Commit: %v", err)
	}

	secondWriter := newTestOperation(t, s, locks, ranges, 6)
	if ok, err := secondWriter.Add(ctx, "name", value.String("bob"), 100); err != nil || !ok {
		t.Fatalf("secondWriter Add: ok=%v err=%v", ok, err)
	}
	if _, err := secondWriter.Commit(7); err != nil {
		t.Fatalf("secondWriter Commit: %v", err)
	}

	_, err := reader.Commit(8)
	if err == nil {
		t.Fatal("expected commit to fail: name was modified after reader's Select")
	}
	ase, ok := err.(*cerrors.AtomicStateException)
	if !ok || !ase.Retry {
		t.Fatalf("expected retryable AtomicStateException, got %v (%T)", err, err)
	}
	if reader.State() != StateFailed {
		t.Fatalf("expected reader state FAILED, got %s", reader.State())
	}
}

func TestAbortDropsBufferedWrites(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := op.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if err := op.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	verify := newTestOperation(t, s, locks, ranges, 2)
	live, err := verify.Verify(ctx, "name", value.String("alice"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if live {
		t.Fatal("aborted write must not be visible")
	}
}

func TestOperationAfterCommitRejected(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := op.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if _, err := op.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := op.Add(ctx, "name", value.String("bob"), 100); err == nil {
		t.Fatal("expected AtomicStateException for write after commit")
	}
}

func TestSetReplacesLiveValue(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op1 := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := op1.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if _, err := op1.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op2 := newTestOperation(t, s, locks, ranges, 3)
	if err := op2.Set(ctx, "name", value.String("bob"), 100); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := op2.Commit(4); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op3 := newTestOperation(t, s, locks, ranges, 5)
	vals, err := op3.Select(ctx, "name", 100, store.Now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(vals) != 1 || vals[0].Compare(value.String("bob")) != 0 {
		t.Fatalf("expected only bob live, got %v", vals)
	}
}

func TestRepeatedAddReturnsFalseAndLeavesValueLive(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op1 := newTestOperation(t, s, locks, ranges, 1)
	if ok, err := op1.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("first Add: ok=%v err=%v", ok, err)
	}
	if _, err := op1.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op2 := newTestOperation(t, s, locks, ranges, 3)
	ok, err := op2.Add(ctx, "name", value.String("alice"), 100)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if ok {
		t.Fatal("second Add of an already-live value must return false")
	}
	if _, err := op2.Commit(4); err != nil {
		t.Fatalf("Commit (no-op): %v", err)
	}

	op3 := newTestOperation(t, s, locks, ranges, 5)
	vals, err := op3.Select(ctx, "name", 100, store.Now)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(vals) != 1 || vals[0].Compare(value.String("alice")) != 0 {
		t.Fatalf("expected alice still (and only) live, got %v", vals)
	}
}

func TestRemoveOfNonLiveValueReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	op := newTestOperation(t, s, locks, ranges, 1)
	ok, err := op.Remove(ctx, "name", value.String("alice"), 100)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok {
		t.Fatal("removing a value that was never added must return false")
	}
	if _, err := op.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestExecuteWithRetrySucceeds(t *testing.T) {
	s := newTestStore(t)
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	clock := &testClock{}
	ctx := context.Background()

	err := ExecuteWithRetry(ctx, s, locks, ranges, clock, func(op *AtomicOperation) error {
		_, err := op.Add(ctx, "name", value.String("alice"), 100)
		return err
	})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}

	verify := newTestOperation(t, s, locks, ranges, clock.Next(1))
	live, err := verify.Verify(ctx, "name", value.String("alice"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected alice to be live after ExecuteWithRetry")
	}
}
