package txn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/database"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/value"
)

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

func TestBeginCreatesIntentDir(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	txnDir := filepath.Join(root, "txn")

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := os.Stat(txnDir); err != nil {
		t.Fatalf("expected intent dir to exist: %v", err)
	}
	if tx.ID() == "" {
		t.Fatal("expected a non-empty transaction ID")
	}
}

func TestCommitWritesThenRemovesIntentFile(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")
	locks := lock.NewLockService()
	ranges := lock.NewRangeLockService()
	ctx := context.Background()

	tx, err := Begin(txnDir, "session-a", s, locks, ranges, 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok, err := tx.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	if _, err := tx.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(tx.intentPath()); !os.IsNotExist(err) {
		t.Fatalf("expected intent file to be removed after successful commit, stat err: %v", err)
	}

	verify, err := Begin(txnDir, "session-b", s, locks, ranges, 3)
	if err != nil {
		t.Fatalf("Begin verify: %v", err)
	}
	live, err := verify.Verify(ctx, "name", value.String("alice"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected alice to be live after commit")
	}
}

func TestCommitOnEmptyTransactionWritesNoIntentFile(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(tx.intentPath()); !os.IsNotExist(err) {
		t.Fatalf("expected no intent file for an empty transaction, stat err: %v", err)
	}
}

func TestAbortRemovesIntentFile(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")
	ctx := context.Background()

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok, err := tx.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(tx.intentPath(), []byte("stale"), 0644); err != nil {
		t.Fatalf("seed stale intent file: %v", err)
	}

	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(tx.intentPath()); !os.IsNotExist(err) {
		t.Fatalf("expected intent file removed after Abort, stat err: %v", err)
	}
}

func TestEncodeDecodeIntentRoundTrips(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")
	ctx := context.Background()

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok, err := tx.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if ok, err := tx.Add(ctx, "email", value.String("alice@example.com"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	in := &intent{
		nextVersion:  2,
		writes:       tx.op.Buffered(),
		expectations: tx.op.Expectations(),
	}
	data := encodeIntent(in)

	decoded, err := decodeIntent(data)
	if err != nil {
		t.Fatalf("decodeIntent: %v", err)
	}
	if decoded.nextVersion != in.nextVersion {
		t.Fatalf("nextVersion mismatch: got %d want %d", decoded.nextVersion, in.nextVersion)
	}
	if len(decoded.writes) != len(in.writes) {
		t.Fatalf("writes count mismatch: got %d want %d", len(decoded.writes), len(in.writes))
	}
	if len(decoded.expectations) != len(in.expectations) {
		t.Fatalf("expectations count mismatch: got %d want %d", len(decoded.expectations), len(in.expectations))
	}

	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

func TestRecoverIntentsReplaysWhenExpectationsStillHold(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")
	ctx := context.Background()

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok, err := tx.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	in := &intent{
		nextVersion:  2,
		writes:       tx.op.Buffered(),
		expectations: tx.op.Expectations(),
	}
	if err := os.WriteFile(tx.intentPath(), encodeIntent(in), 0644); err != nil {
		t.Fatalf("write intent file: %v", err)
	}
	if err := tx.op.Abort(); err != nil {
		t.Fatalf("Abort underlying operation: %v", err)
	}

	replayed, deleted, err := RecoverIntents(txnDir, s)
	if err != nil {
		t.Fatalf("RecoverIntents: %v", err)
	}
	if replayed != 1 || deleted != 0 {
		t.Fatalf("expected 1 replayed, 0 deleted, got replayed=%d deleted=%d", replayed, deleted)
	}

	verify, err := Begin(txnDir, "session-b", s, lock.NewLockService(), lock.NewRangeLockService(), 3)
	if err != nil {
		t.Fatalf("Begin verify: %v", err)
	}
	live, err := verify.Verify(ctx, "name", value.String("alice"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !live {
		t.Fatal("expected replayed write to be visible")
	}
	if _, err := os.Stat(filepath.Join(txnDir, string(tx.ID())+".intent")); !os.IsNotExist(err) {
		t.Fatal("expected intent file to be removed after recovery")
	}
}

func TestRecoverIntentsDiscardsWhenExpectationStale(t *testing.T) {
	s := newTestStore(t)
	txnDir := filepath.Join(t.TempDir(), "txn")
	ctx := context.Background()

	seed, err := Begin(txnDir, "seed", s, lock.NewLockService(), lock.NewRangeLockService(), 1)
	if err != nil {
		t.Fatalf("Begin seed: %v", err)
	}
	if ok, err := seed.Add(ctx, "name", value.String("alice"), 100); err != nil || !ok {
		t.Fatalf("seed Add: ok=%v err=%v", ok, err)
	}
	if _, err := seed.Commit(2); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	tx, err := Begin(txnDir, "session-a", s, lock.NewLockService(), lock.NewRangeLockService(), 3)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Select(ctx, "name", 100, store.Now); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if ok, err := tx.Add(ctx, "email", value.String("alice@example.com"), 100); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}

	in := &intent{
		nextVersion:  4,
		writes:       tx.op.Buffered(),
		expectations: tx.op.Expectations(),
	}
	if err := os.WriteFile(tx.intentPath(), encodeIntent(in), 0644); err != nil {
		t.Fatalf("write intent file: %v", err)
	}
	if err := tx.op.Abort(); err != nil {
		t.Fatalf("Abort underlying operation: %v", err)
	}

	other, err := Begin(txnDir, "other", s, lock.NewLockService(), lock.NewRangeLockService(), 5)
	if err != nil {
		t.Fatalf("Begin other: %v", err)
	}
	if ok, err := other.Add(ctx, "name", value.String("bob"), 100); err != nil || !ok {
		t.Fatalf("other Add: ok=%v err=%v", ok, err)
	}
	if _, err := other.Commit(6); err != nil {
		t.Fatalf("other Commit: %v", err)
	}

	replayed, deleted, err := RecoverIntents(txnDir, s)
	if err != nil {
		t.Fatalf("RecoverIntents: %v", err)
	}
	if replayed != 0 || deleted != 1 {
		t.Fatalf("expected 0 replayed, 1 deleted, got replayed=%d deleted=%d", replayed, deleted)
	}

	live, err := other.Verify(ctx, "email", value.String("alice@example.com"), 100, store.Now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if live {
		t.Fatal("stale intent must not be replayed once its expectation no longer holds")
	}
}
