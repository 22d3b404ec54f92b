// Package atomic implements AtomicOperation, the buffered, validated,
// serializable unit of work every mutation and multi-step read goes
// through. Its write-buffering shape — a mutex-guarded slice of pending
// operations plus committed/aborted state, flushed to the parent store
// only at commit — pairs optimistic VersionExpectation re-validation at
// commit time with an explicit OPEN/COMMITTING/COMMITTED/FAILED/ABORTED
// state machine.
package atomic

import (
	"context"
	"fmt"
	"sync"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/token"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// State is one point in the OPEN -> COMMITTING -> {COMMITTED, FAILED} |
// ABORTED state machine.
type State int

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Retry is the idiomatic sentinel inner logic checks for to force a
// restart: a single shared AtomicStateException instance.
var Retry = &cerrors.AtomicStateException{Reason: "commit validation failed", Retry: true}

// VersionExpectation pins one resource's observed version as of a read
// inside this operation; Commit re-validates every one of them.
type VersionExpectation struct {
	Resource string
	Observed uint64
}

type versionExpectation = VersionExpectation

// AtomicOperation is the buffered unit of work described above. Every
// read acquires the matching lock and
// records what version of the touched resource it observed; every write
// acquires its lock and buffers a Write, applying nothing to the parent
// store until commit succeeds.
type AtomicOperation struct {
	mu sync.Mutex

	parent *store.Store
	locks  *lock.LockService
	ranges *lock.RangeLockService

	// startVersion doubles as this operation's identity for lock
	// ordering and as the deadlock detector's "younger loses" tiebreak.
	startVersion uint64

	state State

	expectations []versionExpectation
	seenExpect   map[string]bool

	buffered []*write.Write
	guards   []*lock.Guard
}

// New creates an OPEN AtomicOperation against parent. startVersion
// should be the engine's version clock reading at operation start (used
// only as an opaque, monotonically-increasing identity — never
// committed as a Write version itself).
func New(parent *store.Store, locks *lock.LockService, ranges *lock.RangeLockService, startVersion uint64) *AtomicOperation {
	return &AtomicOperation{
		parent:       parent,
		locks:        locks,
		ranges:       ranges,
		startVersion: startVersion,
		state:        StateOpen,
		seenExpect:   make(map[string]bool),
	}
}

func (op *AtomicOperation) requireOpen() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != StateOpen {
		return &cerrors.AtomicStateException{Reason: fmt.Sprintf("operation is %s, not OPEN", op.state)}
	}
	return nil
}

func (op *AtomicOperation) expect(resource string, observed uint64) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.seenExpect[resource] {
		return
	}
	op.seenExpect[resource] = true
	op.expectations = append(op.expectations, VersionExpectation{Resource: resource, Observed: observed})
}

// Expectations returns a snapshot of the VersionExpectations recorded so
// far — pkg/txn's intent serialization reads this before Commit runs.
func (op *AtomicOperation) Expectations() []VersionExpectation {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]VersionExpectation, len(op.expectations))
	copy(out, op.expectations)
	return out
}

func keyResource(key string) string       { return "key:" + key }
func recordResource(record uint64) string { return fmt.Sprintf("record:%d", record) }
func globalResource() string              { return "global" }

// Verify implements verify(key, value, record [,t]).
func (op *AtomicOperation) Verify(ctx context.Context, key string, v value.Value, record uint64, t uint64) (bool, error) {
	if err := op.requireOpen(); err != nil {
		return false, err
	}
	g, err := op.ranges.ReadRange(ctx, key, lock.PointInterval(v), op.startVersion)
	if err != nil {
		return false, err
	}
	defer g.Release()

	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Verify(key, v, record, t)
}

// Select implements select(key, record [,t]).
func (op *AtomicOperation) Select(ctx context.Context, key string, record uint64, t uint64) ([]value.Value, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	g, err := op.ranges.ReadRange(ctx, key, lock.FullInterval(), op.startVersion)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Select(key, record, t)
}

// SelectRecord implements select(record [,t]).
func (op *AtomicOperation) SelectRecord(ctx context.Context, record uint64, t uint64) (map[string][]value.Value, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	op.expect(recordResource(record), op.parent.Versions.RecordVersion(record))
	return op.parent.SelectRecord(record, t)
}

// RecordKeys implements describe(record [,t]).
func (op *AtomicOperation) RecordKeys(ctx context.Context, record uint64, t uint64) ([]string, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	op.expect(recordResource(record), op.parent.Versions.RecordVersion(record))
	return op.parent.RecordKeys(record, t)
}

// Browse implements browse(key [,t]): a full-range read lock on key.
func (op *AtomicOperation) Browse(ctx context.Context, key string, t uint64) ([]store.ValueRecords, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	g, err := op.ranges.ReadRange(ctx, key, lock.FullInterval(), op.startVersion)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Browse(key, t)
}

// Find implements find(key, operator, values... [,t]): the read-lock
// interval covers the operator's value range, or the full key if the
// operator isn't seekable (NOT_EQUAL, LESS_THAN, LESS_OR_EQUAL, REGEX,
// NOT_REGEX), since such a
// predicate could match any value an insert introduces.
func (op *AtomicOperation) Find(ctx context.Context, key string, cond *predicate.Condition, t uint64) (*recordset.Set, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	g, err := op.ranges.ReadRange(ctx, key, conditionInterval(cond), op.startVersion)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Find(key, cond, t)
}

func conditionInterval(cond *predicate.Condition) lock.Interval {
	if !cond.ShouldSeek() {
		return lock.FullInterval()
	}
	lo, hi := cond.GetStartKey(), cond.GetEndKey()
	if lo != nil && hi != nil && lo.Compare(hi) == 0 {
		return lock.PointInterval(lo)
	}
	return lock.Interval{Lo: lo, Hi: hi, HiInclusive: cond.Operator == predicate.Between}
}

// Search implements search(key, query). Free-text queries aren't range
// predicates, so they take the same full-key read lock as browse.
func (op *AtomicOperation) Search(ctx context.Context, key, query string) (*recordset.Set, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	g, err := op.ranges.ReadRange(ctx, key, lock.FullInterval(), op.startVersion)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Search(key, query)
}

// GetAllRecords implements getAllRecords(): no single key or record to
// pin, so its VersionExpectation is the store's global high-water mark.
func (op *AtomicOperation) GetAllRecords(ctx context.Context) (*recordset.Set, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	op.expect(globalResource(), op.parent.Versions.GlobalVersion())
	return op.parent.GetAllRecords()
}

// Audit implements audit/review(record [,key] [,window]).
func (op *AtomicOperation) Audit(ctx context.Context, record uint64, key string) ([]store.AuditEntry, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	op.expect(recordResource(record), op.parent.Versions.RecordVersion(record))
	return op.parent.Audit(record, key)
}

func (op *AtomicOperation) Review(ctx context.Context, record uint64, key string) ([]store.AuditEntry, error) {
	return op.Audit(ctx, record, key)
}

// Chronologize implements chronologize(key, record, start, end).
func (op *AtomicOperation) Chronologize(ctx context.Context, key string, record uint64, start, end uint64) ([]store.ChronologizeEntry, error) {
	if err := op.requireOpen(); err != nil {
		return nil, err
	}
	op.expect(keyResource(key), op.parent.Versions.KeyVersion(key))
	return op.parent.Chronologize(key, record, start, end)
}

// bufferedParityLocked reports whether this operation's own not-yet-committed
// Writes on (key, v, record) flip that resource's liveness an odd number of
// times, the same ADD-minus-REMOVE parity rule a committed store uses,
// applied to this operation's pending Writes instead.
// Caller must hold op.mu.
func (op *AtomicOperation) bufferedParityLocked(key string, v value.Value, record uint64) bool {
	count := 0
	for _, w := range op.buffered {
		if w.Record != record || w.Key != key || w.Value.Compare(v) != 0 {
			continue
		}
		if w.Op == write.Add {
			count++
		} else {
			count--
		}
	}
	return count%2 != 0
}

// bufferWrite is the common path for Add/Remove: validate, take the
// exclusive Token write lock plus the point write range-lock, then check
// the add/remove precondition — add requires v not already live, remove
// requires v already live — against the parent store's current state
// composed with this operation's own buffered Writes on the same
// resource. Only once that precondition holds is the Write buffered
// unstamped (Version is minted at commit); otherwise the locks are
// released and false is returned without buffering anything.
func (op *AtomicOperation) bufferWrite(ctx context.Context, kind write.Op, key string, v value.Value, record uint64) (bool, error) {
	w, err := write.New(kind, key, v, record)
	if err != nil {
		return false, err
	}
	if err := op.requireOpen(); err != nil {
		return false, err
	}

	encoded := v.Encode(nil)
	tok := token.ForResource(key, encoded, record)
	wg := op.locks.WriteLock(tok)

	rg, err := op.ranges.WritePoint(ctx, key, v, op.startVersion)
	if err != nil {
		wg.Release()
		return false, err
	}

	op.mu.Lock()
	if op.state != StateOpen {
		state := op.state
		op.mu.Unlock()
		wg.Release()
		rg.Release()
		return false, &cerrors.AtomicStateException{Reason: fmt.Sprintf("operation is %s, not OPEN", state)}
	}

	parentLive, verifyErr := op.parent.Verify(key, v, record, store.Now)
	if verifyErr != nil {
		op.mu.Unlock()
		wg.Release()
		rg.Release()
		return false, verifyErr
	}
	live := parentLive != op.bufferedParityLocked(key, v, record)

	if (kind == write.Add && live) || (kind == write.Remove && !live) {
		op.mu.Unlock()
		wg.Release()
		rg.Release()
		return false, nil
	}

	resource := keyResource(key)
	if !op.seenExpect[resource] {
		op.seenExpect[resource] = true
		op.expectations = append(op.expectations, VersionExpectation{Resource: resource, Observed: op.parent.Versions.KeyVersion(key)})
	}

	op.buffered = append(op.buffered, w)
	op.guards = append(op.guards, wg, rg)
	op.mu.Unlock()
	return true, nil
}

// Add implements add(key, value, record): returns true iff value was not
// already live on (key, record) and the Write was buffered.
func (op *AtomicOperation) Add(ctx context.Context, key string, v value.Value, record uint64) (bool, error) {
	return op.bufferWrite(ctx, write.Add, key, v, record)
}

// Remove implements remove(key, value, record): returns true iff value
// was live on (key, record) and the Write was buffered.
func (op *AtomicOperation) Remove(ctx context.Context, key string, v value.Value, record uint64) (bool, error) {
	return op.bufferWrite(ctx, write.Remove, key, v, record)
}

// Set implements set(key, value, record): remove every currently-live
// value on (key, record), then add value — composed from Select,
// Remove, and Add so it inherits their individual lock and
// VersionExpectation behavior rather than needing its own.
func (op *AtomicOperation) Set(ctx context.Context, key string, v value.Value, record uint64) error {
	current, err := op.Select(ctx, key, record, store.Now)
	if err != nil {
		return err
	}
	for _, existing := range current {
		if existing.Compare(v) == 0 {
			continue
		}
		if _, err := op.Remove(ctx, key, existing, record); err != nil {
			return err
		}
	}
	for _, existing := range current {
		if existing.Compare(v) == 0 {
			return nil // already live, nothing to add
		}
	}
	_, err = op.Add(ctx, key, v, record)
	return err
}

// Commit implements commit(next_version): re-validates every recorded
// VersionExpectation, and only if all still hold does it stamp the
// buffered Writes starting at nextVersion and append them to the
// parent's Buffer in order. versionsUsed reports how many consecutive
// versions were consumed (len(buffered)), so the Engine's clock can
// advance past them even on a FAILED commit that must still burn the
// versions it reserved.
func (op *AtomicOperation) Commit(nextVersion uint64) (versionsUsed int, err error) {
	return op.CommitWithPrepare(nextVersion, func([]*write.Write) error { return nil })
}

// CommitWithPrepare is Commit with an extra hook run after
// VersionExpectation validation succeeds but before any Write is
// stamped or appended. pkg/txn's Transaction uses it to serialize and
// fsync an intent file for exactly this window; a prepare failure fails
// the commit the same way an append failure does.
func (op *AtomicOperation) CommitWithPrepare(nextVersion uint64, prepare func(buffered []*write.Write) error) (versionsUsed int, err error) {
	op.mu.Lock()
	if op.state != StateOpen {
		op.mu.Unlock()
		return 0, &cerrors.AtomicStateException{Reason: fmt.Sprintf("operation is %s, not OPEN", op.state)}
	}
	op.state = StateCommitting
	expectations := op.expectations
	buffered := op.buffered
	guards := op.guards
	op.mu.Unlock()

	for _, exp := range expectations {
		current := op.resourceVersion(exp.Resource)
		if current != exp.Observed {
			op.mu.Lock()
			op.state = StateFailed
			op.mu.Unlock()
			lock.ReleaseAll(guards)
			return len(buffered), Retry
		}
	}

	if err := prepare(buffered); err != nil {
		op.mu.Lock()
		op.state = StateFailed
		op.mu.Unlock()
		lock.ReleaseAll(guards)
		return len(buffered), err
	}

	for i, w := range buffered {
		w.Version = nextVersion + uint64(i)
		if err := op.parent.InsertWrite(w); err != nil {
			op.mu.Lock()
			op.state = StateFailed
			op.mu.Unlock()
			lock.ReleaseAll(guards)
			return len(buffered), err
		}
	}

	op.mu.Lock()
	op.state = StateCommitted
	op.mu.Unlock()
	lock.ReleaseAll(guards)
	return len(buffered), nil
}

// Buffered returns a snapshot of the currently-buffered Writes (not yet
// stamped with a Version) — pkg/txn's intent serialization reads this
// before Commit/CommitWithPrepare runs.
func (op *AtomicOperation) Buffered() []*write.Write {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]*write.Write, len(op.buffered))
	copy(out, op.buffered)
	return out
}

func (op *AtomicOperation) resourceVersion(resource string) uint64 {
	switch {
	case resource == globalResource():
		return op.parent.Versions.GlobalVersion()
	case len(resource) > len("key:") && resource[:4] == "key:":
		return op.parent.Versions.KeyVersion(resource[4:])
	default:
		var record uint64
		fmt.Sscanf(resource, "record:%d", &record)
		return op.parent.Versions.RecordVersion(record)
	}
}

// Abort drops every buffered Write and releases every held lock without
// touching the parent store.
func (op *AtomicOperation) Abort() error {
	op.mu.Lock()
	if op.state != StateOpen && op.state != StateCommitting {
		op.mu.Unlock()
		return &cerrors.AtomicStateException{Reason: fmt.Sprintf("operation is %s, cannot abort", op.state)}
	}
	op.state = StateAborted
	guards := op.guards
	op.buffered = nil
	op.guards = nil
	op.mu.Unlock()

	lock.ReleaseAll(guards)
	return nil
}

// State reports the operation's current state.
func (op *AtomicOperation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// PendingVersions reports how many versions Commit would need to mint,
// so a caller (normally the Engine) can reserve them from the version
// clock immediately before calling Commit.
func (op *AtomicOperation) PendingVersions() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.buffered)
}
