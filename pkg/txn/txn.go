// Package txn implements Transaction, a client-visible, durable
// AtomicOperation. Its only addition over pkg/atomic.AtomicOperation is
// a prepare step: serialize the buffered Writes and VersionExpectations
// to a <transaction-id>.intent file and fsync it before anything is
// appended to the Buffer, plus the bookkeeping needed to replay or
// discard that file if the process restarts first. The rename-then-fsync
// shape is backed by natefinch/atomic rather than a hand-rolled
// write-temp-then-rename.
package txn

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	fileatomic "github.com/natefinch/atomic"

	catomic "github.com/concourse-go/concourse/pkg/atomic"
	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// ID names one Transaction, and doubles as its intent file's basename.
type ID string

// NewID mints a fresh Transaction ID, backed by google/uuid.
func NewID() ID {
	return ID(uuid.NewString())
}

// Token is the opaque (session, timestamp) pair clients hold to resume
// an open Transaction across calls. The session-identity half belongs
// to the request-routing/permission collaborator, out of scope here,
// so Token carries a plain caller
// session identifier instead of an authenticated principal.
type Token struct {
	Session   string
	StartedAt time.Time
}

func (t Token) String() string {
	return fmt.Sprintf("%s@%d", t.Session, t.StartedAt.UnixNano())
}

// Transaction is the client-visible, durable AtomicOperation described above.
type Transaction struct {
	mu sync.Mutex

	id    ID
	token Token
	dir   string
	op    *catomic.AtomicOperation
}

// Begin starts a new Transaction against parent, with its intent file
// rooted at dir (normally <buffer-root>/<env>/txn).
func Begin(dir string, session string, parent *store.Store, locks *lock.LockService, ranges *lock.RangeLockService, startVersion uint64) (*Transaction, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return &Transaction{
		id:    NewID(),
		token: Token{Session: session, StartedAt: time.Now()},
		dir:   dir,
		op:    catomic.New(parent, locks, ranges, startVersion),
	}, nil
}

func (tx *Transaction) ID() ID       { return tx.id }
func (tx *Transaction) Token() Token { return tx.token }

func (tx *Transaction) intentPath() string {
	return filepath.Join(tx.dir, string(tx.id)+".intent")
}

// --- read/write operations delegate straight to the wrapped AtomicOperation ---

func (tx *Transaction) Verify(ctx context.Context, key string, v value.Value, record uint64, t uint64) (bool, error) {
	return tx.op.Verify(ctx, key, v, record, t)
}

func (tx *Transaction) Select(ctx context.Context, key string, record uint64, t uint64) ([]value.Value, error) {
	return tx.op.Select(ctx, key, record, t)
}

func (tx *Transaction) SelectRecord(ctx context.Context, record uint64, t uint64) (map[string][]value.Value, error) {
	return tx.op.SelectRecord(ctx, record, t)
}

func (tx *Transaction) RecordKeys(ctx context.Context, record uint64, t uint64) ([]string, error) {
	return tx.op.RecordKeys(ctx, record, t)
}

func (tx *Transaction) Browse(ctx context.Context, key string, t uint64) ([]store.ValueRecords, error) {
	return tx.op.Browse(ctx, key, t)
}

func (tx *Transaction) Find(ctx context.Context, key string, cond *predicate.Condition, t uint64) (*recordset.Set, error) {
	return tx.op.Find(ctx, key, cond, t)
}

func (tx *Transaction) Search(ctx context.Context, key, query string) (*recordset.Set, error) {
	return tx.op.Search(ctx, key, query)
}

func (tx *Transaction) GetAllRecords(ctx context.Context) (*recordset.Set, error) {
	return tx.op.GetAllRecords(ctx)
}

func (tx *Transaction) Audit(ctx context.Context, record uint64, key string) ([]store.AuditEntry, error) {
	return tx.op.Audit(ctx, record, key)
}

func (tx *Transaction) Review(ctx context.Context, record uint64, key string) ([]store.AuditEntry, error) {
	return tx.op.Review(ctx, record, key)
}

func (tx *Transaction) Chronologize(ctx context.Context, key string, record uint64, start, end uint64) ([]store.ChronologizeEntry, error) {
	return tx.op.Chronologize(ctx, key, record, start, end)
}

func (tx *Transaction) Add(ctx context.Context, key string, v value.Value, record uint64) (bool, error) {
	return tx.op.Add(ctx, key, v, record)
}

func (tx *Transaction) Remove(ctx context.Context, key string, v value.Value, record uint64) (bool, error) {
	return tx.op.Remove(ctx, key, v, record)
}

func (tx *Transaction) Set(ctx context.Context, key string, v value.Value, record uint64) error {
	return tx.op.Set(ctx, key, v, record)
}

// Commit implements the prepare-then-append sequence: the intent
// file is written and fsynced inside the same validated window
// AtomicOperation.CommitWithPrepare opens between VersionExpectation
// re-validation and Write minting, so a crash can never leave an
// on-disk intent describing writes that didn't actually pass
// validation.
func (tx *Transaction) Commit(nextVersion uint64) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	versionsUsed, err := tx.op.CommitWithPrepare(nextVersion, func(buffered []*write.Write) error {
		if len(buffered) == 0 {
			return nil
		}
		in := &intent{
			nextVersion:  nextVersion,
			writes:       buffered,
			expectations: tx.op.Expectations(),
		}
		data := encodeIntent(in)
		if err := fileatomic.WriteFile(tx.intentPath(), bytes.NewReader(data)); err != nil {
			return &cerrors.IoFailure{Err: err}
		}
		return nil
	})
	if err == nil {
		tx.removeIntentFile()
	}
	return versionsUsed, err
}

// Abort deletes any intent file written by a prior failed Commit
// attempt and releases every held lock without touching the parent
// store.
func (tx *Transaction) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.removeIntentFile()
	return tx.op.Abort()
}

func (tx *Transaction) removeIntentFile() {
	if err := os.Remove(tx.intentPath()); err != nil && !os.IsNotExist(err) {
		_ = err // best-effort cleanup; a leftover intent is reconciled by RecoverIntents on restart
	}
}

// State reports the wrapped AtomicOperation's state.
func (tx *Transaction) State() catomic.State {
	return tx.op.State()
}

// PendingVersions reports how many versions Commit would need to mint, so
// a caller can reserve them from the version clock immediately before
// calling Commit, the same sequencing pkg/atomic.SupplyWithRetry uses.
func (tx *Transaction) PendingVersions() int {
	return tx.op.PendingVersions()
}
