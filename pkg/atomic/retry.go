package atomic

import (
	"context"
	"math/rand"
	"time"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/store"
)

// maxRetryAttempts bounds execute_with_retry/supply_with_retry with
// exponential backoff capped well short of livelock.
const maxRetryAttempts = 16

const baseBackoff = 2 * time.Millisecond

// Clock is the minimal surface ExecuteWithRetry/SupplyWithRetry need
// from the Engine's version clock: reserve n consecutive version
// numbers and return the first. pkg/engine's versionClock implements
// this.
type Clock interface {
	Next(n int) uint64
}

// ExecuteWithRetry runs f against a fresh AtomicOperation and commits
// it, retrying on a retryable AtomicStateException up to
// maxRetryAttempts times with exponential backoff and jitter.
func ExecuteWithRetry(ctx context.Context, parent *store.Store, locks *lock.LockService, ranges *lock.RangeLockService, clock Clock, f func(op *AtomicOperation) error) error {
	_, err := SupplyWithRetry(ctx, parent, locks, ranges, clock, func(op *AtomicOperation) (struct{}, error) {
		return struct{}{}, f(op)
	})
	return err
}

// SupplyWithRetry is ExecuteWithRetry's value-returning counterpart.
func SupplyWithRetry[T any](ctx context.Context, parent *store.Store, locks *lock.LockService, ranges *lock.RangeLockService, clock Clock, f func(op *AtomicOperation) (T, error)) (T, error) {
	var zero T
	backoff := baseBackoff

	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		op := New(parent, locks, ranges, clock.Next(1))

		result, err := f(op)
		if err != nil {
			_ = op.Abort()
			return zero, err
		}

		var first uint64
		if n := op.PendingVersions(); n > 0 {
			first = clock.Next(n)
		}

		if _, err := op.Commit(first); err != nil {
			if !isRetryable(err) {
				return zero, err
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			continue
		}

		return result, nil
	}

	return zero, &cerrors.AtomicStateException{Reason: "execute_with_retry exceeded max attempts"}
}

func isRetryable(err error) bool {
	ase, ok := err.(*cerrors.AtomicStateException)
	return ok && ase.Retry
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)+1))
}
