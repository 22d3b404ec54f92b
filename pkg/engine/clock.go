package engine

import "sync/atomic"

// versionClock is the global version clock: a single 64-bit monotonic
// counter guarded by an atomic fetch-add. Next reserves a contiguous run
// of n versions and returns the first, satisfying pkg/atomic.Clock so
// the Engine hands its clock straight to ExecuteWithRetry/
// SupplyWithRetry.
type versionClock struct {
	current uint64
}

func newVersionClock(start uint64) *versionClock {
	return &versionClock{current: start}
}

// Next reserves n consecutive version numbers and returns the first one.
// atomic.AddUint64 already guarantees strict monotonicity even when two
// callers race in the same instant, without needing to consult a wall
// clock at all.
func (c *versionClock) Next(n int) uint64 {
	if n <= 0 {
		n = 1
	}
	next := atomic.AddUint64(&c.current, uint64(n))
	return next - uint64(n) + 1
}

// Current reports the last version minted, for Stats().
func (c *versionClock) Current() uint64 {
	return atomic.LoadUint64(&c.current)
}

// Set installs a starting point, used during recovery to fast-forward
// past every version already observed in a recovered Buffer.
func (c *versionClock) Set(v uint64) {
	atomic.StoreUint64(&c.current, v)
}
