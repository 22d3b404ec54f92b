package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/database"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		BufferRoot:       filepath.Join(dir, "buffer"),
		DatabaseRoot:     filepath.Join(dir, "db"),
		BufferConfig:     buffer.DefaultConfig(),
		DatabaseConfig:   database.DefaultConfig(),
		TransferInterval: 1,
		WorkerPoolSize:   1,
	}
	e := New(cfg)
	if err := e.Open("main"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestOpenIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Open("main"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
}

func TestUnknownEnvironmentRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Verify(ctx, "missing", "name", value.String("alice"), 1, 0); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestAddThenVerifyRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	live, err := e.Verify(ctx, "main", "name", value.String("alice"), 100, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected alice to be live after Add")
	}
}

func TestRemoveCancelsAdd(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if ok, err := e.Remove(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}

	live, err := e.Verify(ctx, "main", "name", value.String("alice"), 100, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if live {
		t.Fatal("expected alice to be dead after Remove")
	}
}

func TestRepeatedAddReturnsFalse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("first Add: ok=%v err=%v", ok, err)
	}
	ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if ok {
		t.Fatal("second Add of an already-live value must return false")
	}

	vals, err := e.Select(ctx, "main", "name", 100, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(vals) != 1 || vals[0].Compare(value.String("alice")) != 0 {
		t.Fatalf("expected alice still (and only) live, got %v", vals)
	}
}

func TestSetReplacesLiveValue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if err := e.Set(ctx, "main", "name", value.String("bob"), 100); err != nil {
		t.Fatalf("Set: %v", err)
	}

	vals, err := e.Select(ctx, "main", "name", 100, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(vals) != 1 || vals[0].Compare(value.String("bob")) != 0 {
		t.Fatalf("expected only bob live, got %v", vals)
	}
}

func TestStartAtomicOperationAllowsMultiStepWork(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	op, err := e.StartAtomicOperation("main")
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	if ok, err := op.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if ok, err := op.Add(ctx, "email", value.String("a@example.com"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if _, err := e.CommitOperation(op); err != nil {
		t.Fatalf("CommitOperation: %v", err)
	}

	keys, err := e.Describe(ctx, "main", 100, 0)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestStartTransactionCommitsDurably(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tx, err := e.StartTransaction("main", "session-1")
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if ok, err := tx.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if _, err := e.CommitTransaction(tx); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	live, err := e.Verify(ctx, "main", "name", value.String("alice"), 100, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected alice to be live after transaction commit")
	}
}

func TestConsolidateRecordsMergesKeysAndLinks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if ok, err := e.Add(ctx, "friend", value.Link(100), 200); err != nil || !ok {
		t.Fatalf("Add link: ok=%v err=%v", ok, err)
	}

	if err := e.ConsolidateRecords(ctx, "main", 100, 101, []string{"friend"}); err != nil {
		t.Fatalf("ConsolidateRecords: %v", err)
	}

	vals, err := e.Select(ctx, "main", "name", 101, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(vals) != 1 || vals[0].Compare(value.String("alice")) != 0 {
		t.Fatalf("expected name to have moved to 101, got %v", vals)
	}

	set, err := e.Find(ctx, "main", "friend", predicate.NewLinksTo(value.Link(101)), 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	found := false
	for _, rec := range set.ToSlice() {
		if rec == 200 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected record 200's friend link to be repointed at 101")
	}
}

func TestStatsReportsCurrentVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if ok, err := e.Add(ctx, "main", "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	stats, err := e.Stats("main")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CurrentVersion == 0 {
		t.Fatal("expected a nonzero current version after a commit")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
