package buffer

import (
	"os"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/pagefile"
	"github.com/concourse-go/concourse/pkg/write"
)

// Transfer implements transfer(max): hands sealed pages, oldest first
// and bounded by maxBytes as selectForTransferLocked describes, to the
// Ingester, deletes them, then evicts the handed-off
// Writes from every in-memory index so a later Buffer read never
// reports a Write the Database already owns (pkg/store's Buffer XOR
// Database reads assume the two stores are disjoint). The live
// (unsealed) page is never selected. Returns the number of pages
// handed off.
func (b *Buffer) Transfer(maxBytes int64) (int, error) {
	b.mu.Lock()
	pages, budgetBytes := b.selectForTransferLocked(maxBytes)
	b.mu.Unlock()

	if len(pages) == 0 {
		return 0, nil
	}
	_ = budgetBytes

	var writes []*write.Write
	var highWater uint64
	for _, p := range pages {
		r, err := pagefile.Open(p.path)
		if err != nil {
			return 0, &cerrors.IoFailure{Err: err}
		}
		for _, payload := range r.All() {
			w, err := write.Decode(payload)
			if err != nil {
				return 0, &cerrors.CorruptBlock{Path: p.path, Reason: err.Error()}
			}
			writes = append(writes, w)
			if w.Version > highWater {
				highWater = w.Version
			}
		}
	}

	if err := b.ingester.Ingest(writes); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pages {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return 0, &cerrors.IoFailure{Err: err}
		}
	}
	b.sealed = remainingSealed(b.sealed, pages)
	if highWater > b.transferredUpTo {
		b.transferredUpTo = highWater
	}
	b.evictThroughLocked(highWater)
	return len(pages), nil
}

// selectForTransferLocked picks sealed pages oldest-first until adding
// the next page would exceed maxBytes (0 means unbounded). The oldest
// page is always picked, even when it alone exceeds maxBytes. Caller
// must hold b.mu.
func (b *Buffer) selectForTransferLocked(maxBytes int64) ([]*sealedPage, int64) {
	var picked []*sealedPage
	var total int64
	for _, p := range b.sealed {
		info, err := os.Stat(p.path)
		if err != nil {
			continue
		}
		if maxBytes > 0 && total+info.Size() > maxBytes && len(picked) > 0 {
			break
		}
		picked = append(picked, p)
		total += info.Size()
	}
	return picked, total
}

func remainingSealed(all, transferred []*sealedPage) []*sealedPage {
	transferredSet := make(map[string]bool, len(transferred))
	for _, p := range transferred {
		transferredSet[p.path] = true
	}
	out := all[:0:0]
	for _, p := range all {
		if !transferredSet[p.path] {
			out = append(out, p)
		}
	}
	return out
}
