// Package buffer implements the Buffer: an append-only, ordered,
// durable log of Writes and the fast path for reads of recent data. It
// composes two kinds of index over the same in-memory Writes — a
// pkg/btree.BPlusTree keyed by Secondary order for range/value scans
// (browse, find) and plain maps keyed by (record, key) for the
// point-indexed operations (verify, select, audit, chronologize) —
// with durability coming from pkg/pagefile.
package buffer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/concourse-go/concourse/pkg/btree"
	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/pagefile"
	"github.com/concourse-go/concourse/pkg/types"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// Config controls page sizing, buffer residency, and durability policy.
type Config struct {
	// PageSizeBytes is the threshold at which the current page is
	// sealed. Default: 8 MiB.
	PageSizeBytes int64

	// BufferSoftLimitBytes bounds the Buffer's in-memory resident size;
	// insert refuses new Writes with BufferFull once crossed (the Open
	// Question resolution recorded in DESIGN.md). Default: 256 MiB.
	BufferSoftLimitBytes int64

	// PagefileOptions configures the durability policy (fsync cadence)
	// of each page file.
	PagefileOptions pagefile.Options

	// BTreeOrder is the branching factor of the Secondary index.
	BTreeOrder int
}

func DefaultConfig() Config {
	return Config{
		PageSizeBytes:        8 * 1024 * 1024,
		BufferSoftLimitBytes: 256 * 1024 * 1024,
		PagefileOptions:      pagefile.DefaultOptions(),
		BTreeOrder:           64,
	}
}

// Ingester is the Database-side hook transfer() hands a sealed page's
// Writes to. pkg/database.Database implements it.
type Ingester interface {
	Ingest(writes []*write.Write) error
}

// Buffer is a durable, in-memory, paged log of Writes plus the
// indexes that make recent reads fast.
type Buffer struct {
	mu  sync.RWMutex
	dir string
	cfg Config

	ingester Ingester

	current *openPage
	sealed  []*sealedPage

	writes    []*write.Write
	primary   *btree.BPlusTree
	secondary *btree.BPlusTree

	byRecordKey map[string][]*write.Write
	byRecord    map[uint64][]*write.Write

	residentBytes   int64
	lastVersion     uint64
	transferredUpTo uint64
}

// Open recovers (if dir already holds page files) or creates a fresh
// Buffer rooted at dir. ingester is consulted by Transfer.
func Open(dir string, cfg Config, ingester Ingester) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	b := &Buffer{
		dir:         dir,
		cfg:         cfg,
		ingester:    ingester,
		primary:     btree.NewUniqueTree(cfg.BTreeOrder),
		secondary:   btree.NewUniqueTree(cfg.BTreeOrder),
		byRecordKey: make(map[string][]*write.Write),
		byRecord:    make(map[uint64][]*write.Write),
	}

	if err := b.recover(); err != nil {
		return nil, err
	}
	return b, nil
}

// recover replays every sealed page (oldest first) and the current page
// into the in-memory indexes: a page whose trailing bytes do not form a
// complete Write is truncated at the last complete boundary rather than
// rejected outright.
func (b *Buffer) recover() error {
	paths, err := listSealedPageFiles(b.dir)
	if err != nil {
		return &cerrors.IoFailure{Err: err}
	}
	for _, path := range paths {
		r, err := pagefile.Open(path)
		if err != nil {
			return &cerrors.CorruptBlock{Path: path, Reason: err.Error()}
		}
		if err := b.replay(r); err != nil {
			return err
		}
		b.sealed = append(b.sealed, &sealedPage{path: path, firstVersion: firstVersionOf(path)})
	}

	curPath := currentPagePath(b.dir)
	if _, err := os.Stat(curPath); err == nil {
		r, err := pagefile.Open(curPath)
		if err != nil {
			return &cerrors.CorruptBlock{Path: curPath, Reason: err.Error()}
		}
		if err := b.replay(r); err != nil {
			return err
		}
	}

	w, err := pagefile.NewWriter(curPath, b.cfg.PagefileOptions)
	if err != nil {
		return &cerrors.IoFailure{Err: err}
	}
	b.current = &openPage{writer: w, firstVersion: b.lastVersion + 1}
	return nil
}

func (b *Buffer) replay(r *pagefile.Reader) error {
	for {
		payload, ok := r.Next()
		if !ok {
			break
		}
		w, err := write.Decode(payload)
		if err != nil {
			return &cerrors.CorruptBlock{Reason: err.Error()}
		}
		b.index(w)
	}
	return nil
}

// Insert durably appends w (already versioned by the Engine's clock)
// and updates every index. It returns after the bytes are in the OS
// file cache; fsync cadence is pagefile's concern.
func (b *Buffer) Insert(w *write.Write) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w.Version == 0 || w.Version <= b.lastVersion {
		return &cerrors.InvalidArgument{Reason: "write version must be strictly ascending"}
	}

	encoded := write.Encode(w)
	if b.residentBytes+int64(len(encoded)) > b.cfg.BufferSoftLimitBytes {
		return &cerrors.BufferFull{Reason: fmt.Sprintf("buffer at %d bytes would exceed %d byte limit", b.residentBytes, b.cfg.BufferSoftLimitBytes)}
	}

	if err := b.current.writer.Append(encoded); err != nil {
		return &cerrors.BufferFull{Reason: err.Error()}
	}

	b.lastVersion = w.Version
	b.residentBytes += int64(len(encoded))
	b.index(w)

	if size, err := b.current.writer.Size(); err == nil && size >= b.cfg.PageSizeBytes {
		if err := b.sealLocked(w.Version + 1); err != nil {
			return &cerrors.IoFailure{Err: err}
		}
	}
	return nil
}

// index adds w to every in-memory structure. Caller must hold b.mu (or
// be the single-threaded recovery path).
func (b *Buffer) index(w *write.Write) {
	ptr := int64(len(b.writes))
	b.writes = append(b.writes, w)
	_ = b.primary.Insert(write.AsPrimaryKey(w), ptr)
	_ = b.secondary.Insert(write.AsSecondaryKey(w), ptr)

	rk := recordKeyOf(w.Record, w.Key)
	b.byRecordKey[rk] = append(b.byRecordKey[rk], w)
	b.byRecord[w.Record] = append(b.byRecord[w.Record], w)
}

// evictThroughLocked drops every resident Write with version <= upTo
// from all five in-memory structures and rebuilds the two btree indexes
// (their leaf values are positional pointers into b.writes, so removing
// entries without renumbering would dangle them). Called once a
// Transfer has durably handed those Writes to the Database — after
// that point the Buffer must stop reporting them, or a Buffer/Database
// XOR read would see the same Write on both sides and cancel it out.
// Caller must hold b.mu.
func (b *Buffer) evictThroughLocked(upTo uint64) {
	if upTo == 0 {
		return
	}

	kept := make([]*write.Write, 0, len(b.writes))
	var droppedBytes int64
	for _, w := range b.writes {
		if w.Version <= upTo {
			droppedBytes += int64(len(write.Encode(w)))
			continue
		}
		kept = append(kept, w)
	}
	b.writes = kept
	b.residentBytes -= droppedBytes
	if b.residentBytes < 0 {
		b.residentBytes = 0
	}

	b.primary = btree.NewUniqueTree(b.cfg.BTreeOrder)
	b.secondary = btree.NewUniqueTree(b.cfg.BTreeOrder)
	for i, w := range b.writes {
		ptr := int64(i)
		_ = b.primary.Insert(write.AsPrimaryKey(w), ptr)
		_ = b.secondary.Insert(write.AsSecondaryKey(w), ptr)
	}

	for rk, ws := range b.byRecordKey {
		if filtered := filterEvicted(ws, upTo); len(filtered) == 0 {
			delete(b.byRecordKey, rk)
		} else {
			b.byRecordKey[rk] = filtered
		}
	}
	for rec, ws := range b.byRecord {
		if filtered := filterEvicted(ws, upTo); len(filtered) == 0 {
			delete(b.byRecord, rec)
		} else {
			b.byRecord[rec] = filtered
		}
	}
}

func filterEvicted(ws []*write.Write, upTo uint64) []*write.Write {
	out := ws[:0:0]
	for _, w := range ws {
		if w.Version > upTo {
			out = append(out, w)
		}
	}
	return out
}

// TransferredUpTo reports the highest Write version this Buffer has
// handed off to the Database so far (0 if none yet).
func (b *Buffer) TransferredUpTo() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.transferredUpTo
}

// Close fsyncs and closes the current page.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.writer.Close()
}

// LastVersion reports the highest Write version recovered or inserted so
// far, letting the Engine fast-forward its version clock past recovered
// history on startup.
func (b *Buffer) LastVersion() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastVersion
}

// AllWrites returns every Write currently resident in the Buffer
// (recovered plus inserted), in insertion order. Used once at Engine
// startup to seed pkg/store.VersionIndex with the high-water marks a
// recovered Buffer already implies, so a Transaction opened right after
// recovery sees the same VersionExpectation baseline it would have seen
// before the crash.
func (b *Buffer) AllWrites() []*write.Write {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*write.Write, len(b.writes))
	copy(out, b.writes)
	return out
}

func recordKeyOf(record uint64, key string) string {
	return fmt.Sprintf("%d\x00%s", record, key)
}

func encodeValueKey(v value.Value) string {
	return string(v.Encode(nil))
}

// minValue and maxValue bound a Secondary range scan across every value
// for a key: Bool(false) is the lowest-precedence, lowest-natural-order
// Value, and a far-future Timestamp is the highest-precedence,
// highest-natural-order one, matching the type's cross-kind precedence.
func minValue() value.Value { return value.Bool(false) }

func maxValue() value.Value {
	return value.Timestamp(time.Unix(1<<62, 0).UTC())
}

// secondaryBound constructs a sentinel *Write for use as a
// btree.RangeScan boundary: Secondary order sorts on (key, value,
// version), so fixing Key and Value pins the scan to one key's values,
// and Version's sentinel (0 for an inclusive lower bound, MaxUint64 for
// an inclusive upper bound) decides whether Writes exactly at that value
// are included.
func secondaryBound(key string, v value.Value, version uint64) types.Comparable {
	return write.AsSecondaryKey(&write.Write{Key: key, Value: v, Record: boundRecord(version), Version: version})
}

func boundRecord(version uint64) uint64 {
	if version == 0 {
		return 0
	}
	return ^uint64(0)
}
