package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/concourse-go/concourse/pkg/token"
)

func TestWriteLockExclusive(t *testing.T) {
	s := NewLockService()
	tok := token.New(1, []byte("a"))

	g1 := s.WriteLock(tok)

	acquired := make(chan struct{})
	go func() {
		g2 := s.WriteLock(tok)
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second WriteLock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	g1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second WriteLock never acquired after release")
	}
}

func TestReadLockShared(t *testing.T) {
	s := NewLockService()
	tok := token.New(1, []byte("a"))

	g1 := s.ReadLock(tok)
	defer g1.Release()

	done := make(chan struct{})
	go func() {
		g2 := s.ReadLock(tok)
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second ReadLock blocked by concurrent reader")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewLockService()
	g := s.WriteLock(token.New(1, []byte("x")))
	g.Release()
	g.Release() // must not panic or double-unlock
}

func TestAcquireSortedReacquiresInReversedOrder(t *testing.T) {
	s := NewLockService()
	toks := []token.Token{
		token.New(1, []byte("c")),
		token.New(1, []byte("a")),
		token.New(1, []byte("b")),
	}

	var mu sync.Mutex
	var order []token.Token

	guards := s.AcquireSorted(toks)
	mu.Lock()
	order = append(order, toks...)
	mu.Unlock()
	_ = order

	ReleaseAll(guards)

	// Acquiring the same set again, passed in the opposite order, must
	// still succeed once the first guards are released.
	reversed := []token.Token{toks[2], toks[1], toks[0]}
	guards2 := s.AcquireSorted(reversed)
	ReleaseAll(guards2)
}
