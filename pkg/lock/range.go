package lock

import (
	"context"
	"sync"
	"time"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/value"
)

type mode int

const (
	modeRead mode = iota
	modeWrite
)

// Interval is a value range a read range-lock covers: [Lo,Hi) by
// default, or [Lo,Hi] when HiInclusive is set (Between's upper bound).
// Write range-locks are always a single point, represented with
// Lo==Hi==the written value.
type Interval struct {
	Lo, Hi      value.Value
	Point       bool
	HiInclusive bool
}

// PointInterval returns the degenerate interval a write range-lock on v
// occupies.
func PointInterval(v value.Value) Interval {
	return Interval{Lo: v, Hi: v, Point: true}
}

// FullInterval covers every value under a key — the conservative
// interval a non-seekable predicate (NOT_EQUAL, REGEX, ...) locks, since
// such an operator could match anything an insert introduces.
func FullInterval() Interval {
	return Interval{}
}

func (iv Interval) full() bool {
	return iv.Lo == nil && iv.Hi == nil && !iv.Point
}

func (iv Interval) containsPoint(v value.Value) bool {
	if iv.full() {
		return true
	}
	if iv.Point {
		return v.Compare(iv.Lo) == 0
	}
	if iv.Lo != nil && v.Compare(iv.Lo) < 0 {
		return false
	}
	if iv.Hi != nil {
		cmp := v.Compare(iv.Hi)
		if iv.HiInclusive {
			if cmp > 0 {
				return false
			}
		} else if cmp >= 0 {
			return false
		}
	}
	return true
}

// holder is one granted or queued request against a single key's lock
// state.
type holder struct {
	id    uint64
	mode  mode
	iv    Interval
	owner uint64 // requester's identity: same-owner holders never conflict; also breaks deadlock cycles
}

func conflicts(a, b *holder) bool {
	if a.owner == b.owner {
		return false
	}
	if a.mode == modeRead && b.mode == modeRead {
		return false
	}
	if a.mode == modeWrite && b.mode == modeWrite {
		return a.iv.Lo.Compare(b.iv.Lo) == 0
	}
	reader, writer := a, b
	if a.mode == modeWrite {
		reader, writer = b, a
	}
	return reader.iv.containsPoint(writer.iv.Lo)
}

// keyLock serializes access to one key's active/waiting holder lists.
// wake is closed and replaced every time active or waitQueue changes, so
// a blocked Acquire can select on it instead of polling.
type keyLock struct {
	mu        sync.Mutex
	active    []*holder
	waitQueue []*holder
	nextID    uint64
	wake      chan struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{wake: make(chan struct{})}
}

func (kl *keyLock) broadcastLocked() {
	close(kl.wake)
	kl.wake = make(chan struct{})
}

// canGrantLocked reports whether h may move from waitQueue to active: no
// active holder may conflict, and — for a reader — no earlier-queued
// writer may conflict either, so a steady stream of compatible readers
// can never starve out a waiting writer.
func (kl *keyLock) canGrantLocked(h *holder) bool {
	for _, a := range kl.active {
		if conflicts(a, h) {
			return false
		}
	}
	if h.mode == modeRead {
		for _, w := range kl.waitQueue {
			if w.id == h.id || w.id >= h.id || w.mode != modeWrite {
				continue
			}
			if conflicts(w, h) {
				return false
			}
		}
	}
	return true
}

func (kl *keyLock) blockers(h *holder) []uint64 {
	var owners []uint64
	for _, a := range kl.active {
		if conflicts(a, h) {
			owners = append(owners, a.owner)
		}
	}
	return owners
}

func removeHolder(list []*holder, h *holder) []*holder {
	out := list[:0]
	for _, x := range list {
		if x.id != h.id {
			out = append(out, x)
		}
	}
	return out
}

// RangeLockService grants per-key value-interval locks: shared ranges
// for read, exclusive points for write. Requests are FIFO-fair within a
// key and deadlock is broken by aborting the youngest (highest-owner)
// participant in any cycle the global wait-for graph detects.
type RangeLockService struct {
	mu       sync.Mutex
	byKey    map[string]*keyLock
	detector *deadlockDetector
}

func NewRangeLockService() *RangeLockService {
	return &RangeLockService{
		byKey:    make(map[string]*keyLock),
		detector: newDeadlockDetector(),
	}
}

func (s *RangeLockService) keyLockFor(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.byKey[key]
	if !ok {
		kl = newKeyLock()
		s.byKey[key] = kl
	}
	return kl
}

// ReadRange takes a shared lock on [iv.Lo,iv.Hi) under key, for owner
// (the requesting operation's identity, used only for deadlock
// tie-breaking). It blocks until granted, ctx is canceled, or a deadlock
// is detected and owner is chosen as the victim.
func (s *RangeLockService) ReadRange(ctx context.Context, key string, iv Interval, owner uint64) (*Guard, error) {
	return s.acquire(ctx, key, modeRead, iv, owner)
}

// WritePoint takes an exclusive lock on v under key.
func (s *RangeLockService) WritePoint(ctx context.Context, key string, v value.Value, owner uint64) (*Guard, error) {
	return s.acquire(ctx, key, modeWrite, PointInterval(v), owner)
}

func (s *RangeLockService) acquire(ctx context.Context, key string, m mode, iv Interval, owner uint64) (*Guard, error) {
	kl := s.keyLockFor(key)

	kl.mu.Lock()
	h := &holder{id: kl.nextID, mode: m, iv: iv, owner: owner}
	kl.nextID++
	kl.waitQueue = append(kl.waitQueue, h)
	kl.broadcastLocked()

	for {
		if kl.canGrantLocked(h) {
			kl.waitQueue = removeHolder(kl.waitQueue, h)
			kl.active = append(kl.active, h)
			kl.broadcastLocked()
			kl.mu.Unlock()
			return newGuard(func() { s.releaseHolder(kl, h) }), nil
		}

		blockers := kl.blockers(h)
		wake := kl.wake
		kl.mu.Unlock()

		if len(blockers) > 0 {
			s.detector.beginWait(owner, blockers)
			victim, cyclic := s.detector.youngestInCycle(owner)
			if cyclic && victim == owner {
				s.detector.endWait(owner)
				kl.mu.Lock()
				kl.waitQueue = removeHolder(kl.waitQueue, h)
				kl.broadcastLocked()
				kl.mu.Unlock()
				return nil, &cerrors.DeadlockDetected{Owner: owner}
			}
		}

		select {
		case <-wake:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			s.detector.endWait(owner)
			kl.mu.Lock()
			kl.waitQueue = removeHolder(kl.waitQueue, h)
			kl.broadcastLocked()
			kl.mu.Unlock()
			return nil, ctx.Err()
		}
		s.detector.endWait(owner)
		kl.mu.Lock()
	}
}

func (s *RangeLockService) releaseHolder(kl *keyLock, h *holder) {
	kl.mu.Lock()
	kl.active = removeHolder(kl.active, h)
	kl.broadcastLocked()
	kl.mu.Unlock()
}

// deadlockDetector maintains a global wait-for graph keyed by owner
// identity (AtomicOperation.StartVersion): an edge waiter->blocker means
// waiter cannot proceed until blocker releases. A cycle means every
// participant is stuck; the youngest (numerically largest) owner in the
// cycle is reported as the victim so exactly one self-aborts and the
// cycle breaks.
type deadlockDetector struct {
	mu    sync.Mutex
	edges map[uint64]map[uint64]bool
}

func newDeadlockDetector() *deadlockDetector {
	return &deadlockDetector{edges: make(map[uint64]map[uint64]bool)}
}

func (d *deadlockDetector) beginWait(waiter uint64, blockers []uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.edges[waiter]
	if !ok {
		set = make(map[uint64]bool)
		d.edges[waiter] = set
	}
	for _, b := range blockers {
		if b != waiter {
			set[b] = true
		}
	}
}

func (d *deadlockDetector) endWait(waiter uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.edges, waiter)
}

// youngestInCycle reports whether start participates in a cycle of the
// wait-for graph and, if so, the largest owner identity on that cycle.
func (d *deadlockDetector) youngestInCycle(start uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visited := make(map[uint64]bool)
	var path []uint64
	var walk func(n uint64) bool
	walk = func(n uint64) bool {
		if n == start && len(path) > 0 {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		path = append(path, n)
		for next := range d.edges[n] {
			if walk(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	path = append(path, start)
	visited[start] = true
	for next := range d.edges[start] {
		if walk(next) {
			youngest := start
			for _, p := range path {
				if p > youngest {
					youngest = p
				}
			}
			return youngest, true
		}
	}
	return 0, false
}
