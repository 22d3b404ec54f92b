// Package lock implements the two lock services an AtomicOperation
// acquires before it may read or write. LockService hands out exclusive
// per-Token write locks, one Token per (key,value,record) triple;
// RangeLockService hands out shared value-interval read locks and
// exclusive point write locks scoped to a key, so a concurrent insert
// into a range a reader has already scanned is blocked until the reader
// releases, preventing phantom reads.
//
// Both services borrow pkg/btree's per-resource mutex idiom — one small
// lock guarding a map, with per-resource state latched independently —
// rather than a single global mutex serializing every acquisition.
package lock

import (
	"sync"

	"github.com/concourse-go/concourse/pkg/token"
)

// Guard releases whatever it was returned from exactly once; a second
// Release is a no-op.
type Guard struct {
	mu      sync.Mutex
	release func()
}

func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release != nil {
		g.release()
		g.release = nil
	}
}

func newGuard(release func()) *Guard {
	return &Guard{release: release}
}

type tokenEntry struct {
	mu   sync.RWMutex
	refs int
}

// LockService hands out exclusive or shared locks keyed by Token,
// reference-counting each entry so the map never grows past the set of
// currently-held tokens.
type LockService struct {
	mu      sync.Mutex
	entries map[token.Token]*tokenEntry
}

func NewLockService() *LockService {
	return &LockService{entries: make(map[token.Token]*tokenEntry)}
}

func (s *LockService) acquire(t token.Token) *tokenEntry {
	s.mu.Lock()
	e, ok := s.entries[t]
	if !ok {
		e = &tokenEntry{}
		s.entries[t] = e
	}
	e.refs++
	s.mu.Unlock()
	return e
}

func (s *LockService) release(t token.Token, e *tokenEntry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, t)
	}
	s.mu.Unlock()
}

// WriteLock takes an exclusive lock on t, blocking until available.
func (s *LockService) WriteLock(t token.Token) *Guard {
	e := s.acquire(t)
	e.mu.Lock()
	return newGuard(func() {
		e.mu.Unlock()
		s.release(t, e)
	})
}

// ReadLock takes a shared lock on t, blocking until available.
func (s *LockService) ReadLock(t token.Token) *Guard {
	e := s.acquire(t)
	e.mu.RLock()
	return newGuard(func() {
		e.mu.RUnlock()
		s.release(t, e)
	})
}

// AcquireSorted takes exclusive locks on every token in toks, in
// token.SortForAcquisition order, so two operations racing over an
// overlapping token set always request them in the same global order —
// the standard lock-ordering discipline that makes cross-token deadlock
// structurally impossible without a detector.
func (s *LockService) AcquireSorted(toks []token.Token) []*Guard {
	sorted := token.SortForAcquisition(toks)
	guards := make([]*Guard, 0, len(sorted))
	for _, t := range sorted {
		guards = append(guards, s.WriteLock(t))
	}
	return guards
}

// ReleaseAll releases every guard, in reverse acquisition order.
func ReleaseAll(guards []*Guard) {
	for i := len(guards) - 1; i >= 0; i-- {
		guards[i].Release()
	}
}
