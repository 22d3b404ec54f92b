package buffer

import (
	"fmt"

	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/tokenize"
	"github.com/concourse-go/concourse/pkg/types"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// Now is the sentinel version meaning "as of the most recent Write,"
// used when the caller omits an explicit timestamp.
const Now uint64 = ^uint64(0)

func (b *Buffer) effectiveTime(t uint64) uint64 {
	if t == 0 {
		return Now
	}
	return t
}

// Verify implements verify(k, v, r [,t]): live-membership of
// (k, v, r) considering only Buffer Writes — the count
// of ADDs minus REMOVEs with version <= t is odd.
func (b *Buffer) Verify(key string, v value.Value, record uint64, t uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	count := 0
	for _, w := range b.byRecordKey[recordKeyOf(record, key)] {
		if w.Version > t {
			break
		}
		if w.Value.Compare(v) != 0 {
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

// Select implements select(k, r [,t]): the live value set at (k, r, t),
// in ADD order (the order each surviving value was first asserted).
func (b *Buffer) Select(key string, record uint64, t uint64) []value.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	return liveValuesInOrder(b.byRecordKey[recordKeyOf(record, key)], t)
}

func liveValuesInOrder(ws []*write.Write, t uint64) []value.Value {
	counts := make(map[string]int)
	values := make(map[string]value.Value)
	var order []string

	for _, w := range ws {
		if w.Version > t {
			break
		}
		vk := encodeValueKey(w.Value)
		if _, seen := values[vk]; !seen {
			values[vk] = w.Value
			order = append(order, vk)
		}
		if w.Op == write.Add {
			counts[vk]++
		} else {
			counts[vk]--
		}
	}

	out := make([]value.Value, 0, len(order))
	for _, vk := range order {
		if counts[vk]%2 != 0 {
			out = append(out, values[vk])
		}
	}
	return out
}

// ValueRecords pairs one distinct value for a key with the set of
// records for which it is currently live — browse's result shape.
type ValueRecords struct {
	Value   value.Value
	Records *recordset.Set
}

// Browse implements browse(k [,t]): map value -> set-of-records from
// Buffer Writes. Values that were once live and later fully retracted
// are still reported, with an empty record set (e.g. `30 -> {}, 31 ->
// {1}`), rather than pruning them.
func (b *Buffer) Browse(key string, t uint64) []ValueRecords {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	lo := secondaryBound(key, minValue(), 0)
	hi := secondaryBound(key, maxValue(), ^uint64(0))

	type perValue struct {
		v       value.Value
		records map[uint64]int
	}
	byValue := make(map[string]*perValue)
	var order []string

	b.secondary.RangeScan(lo, hi, func(k types.Comparable, ptr int64) bool {
		w := b.writes[ptr]
		if w.Version > t {
			return true
		}
		vk := encodeValueKey(w.Value)
		pv, ok := byValue[vk]
		if !ok {
			pv = &perValue{v: w.Value, records: make(map[uint64]int)}
			byValue[vk] = pv
			order = append(order, vk)
		}
		if w.Op == write.Add {
			pv.records[w.Record]++
		} else {
			pv.records[w.Record]--
		}
		return true
	})

	out := make([]ValueRecords, 0, len(order))
	for _, vk := range order {
		pv := byValue[vk]
		set := recordset.New()
		for rec, c := range pv.records {
			if c%2 != 0 {
				set.Add(rec)
			}
		}
		out = append(out, ValueRecords{Value: pv.v, Records: set})
	}
	return out
}

// Find implements find(k, op, vs [,t]): candidate records from Buffer
// Writes whose value satisfies cond, live at t.
func (b *Buffer) Find(key string, cond *predicate.Condition, t uint64) *recordset.Set {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	lo, hi := b.scanBounds(key, cond)

	counts := make(map[string]map[uint64]int)
	values := make(map[string]value.Value)

	b.secondary.RangeScan(lo, hi, func(k types.Comparable, ptr int64) bool {
		w := b.writes[ptr]
		if w.Version > t || !cond.Matches(w.Value) {
			return true
		}
		vk := encodeValueKey(w.Value)
		if _, ok := values[vk]; !ok {
			values[vk] = w.Value
			counts[vk] = make(map[uint64]int)
		}
		if w.Op == write.Add {
			counts[vk][w.Record]++
		} else {
			counts[vk][w.Record]--
		}
		return true
	})

	result := recordset.New()
	for _, rc := range counts {
		for rec, c := range rc {
			if c%2 != 0 {
				result.Add(rec)
			}
		}
	}
	return result
}

// scanBounds picks the tightest Secondary-index range that is
// guaranteed to contain every Write cond could match, per the
// operator's seekability (predicate.Condition.ShouldSeek).
func (b *Buffer) scanBounds(key string, cond *predicate.Condition) (lo, hi types.Comparable) {
	lo = secondaryBound(key, minValue(), 0)
	hi = secondaryBound(key, maxValue(), ^uint64(0))
	if !cond.ShouldSeek() {
		return lo, hi
	}

	switch cond.Operator {
	case predicate.Equal, predicate.LinksTo:
		lo = secondaryBound(key, cond.Value, 0)
		hi = secondaryBound(key, cond.Value, ^uint64(0))
	case predicate.GreaterThan:
		lo = secondaryBound(key, cond.Value, ^uint64(0))
	case predicate.GreaterOrEqual:
		lo = secondaryBound(key, cond.Value, 0)
	case predicate.Between:
		lo = secondaryBound(key, cond.Value, 0)
		hi = secondaryBound(key, cond.ValueEnd, ^uint64(0))
	}
	return lo, hi
}

// AuditEntry is one (version, description) line of a record's history.
type AuditEntry struct {
	Version     uint64
	Description string
}

// Audit implements audit/review(r [,k]): an ordered (by version)
// history of every Write touching record (optionally narrowed to key).
// review is a documented synonym of audit in this design.
func (b *Buffer) Audit(record uint64, key string) []AuditEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ws []*write.Write
	if key != "" {
		ws = b.byRecordKey[recordKeyOf(record, key)]
	} else {
		ws = b.byRecord[record]
	}

	out := make([]AuditEntry, 0, len(ws))
	for _, w := range ws {
		out = append(out, AuditEntry{Version: w.Version, Description: describeWrite(w)})
	}
	return out
}

// Review is a synonym of Audit.
func (b *Buffer) Review(record uint64, key string) []AuditEntry {
	return b.Audit(record, key)
}

func describeWrite(w *write.Write) string {
	return fmt.Sprintf("%s %s AS %s IN %d", w.Op, w.Key, w.Value.String(), w.Record)
}

// ChronologizeEntry is one version's live value-set snapshot.
type ChronologizeEntry struct {
	Version uint64
	Values  []value.Value
}

// Chronologize implements chronologize(k, r, start, end): an ordered
// map version -> value-set snapshot, one entry per Write in
// [start, end).
func (b *Buffer) Chronologize(key string, record uint64, start, end uint64) []ChronologizeEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int)
	values := make(map[string]value.Value)
	var order []string
	var out []ChronologizeEntry

	for _, w := range b.byRecordKey[recordKeyOf(record, key)] {
		if w.Version < start {
			continue
		}
		if w.Version >= end {
			break
		}

		vk := encodeValueKey(w.Value)
		if _, seen := values[vk]; !seen {
			values[vk] = w.Value
			order = append(order, vk)
		}
		if w.Op == write.Add {
			counts[vk]++
		} else {
			counts[vk]--
		}

		snapshot := make([]value.Value, 0, len(order))
		for _, k := range order {
			if counts[k]%2 != 0 {
				snapshot = append(snapshot, values[k])
			}
		}
		out = append(out, ChronologizeEntry{Version: w.Version, Values: snapshot})
	}
	return out
}

// RawWrites returns every Buffer Write on (key, record) with
// start <= version < end, in version order — the shared building block
// pkg/store's composed Chronologize uses to merge Buffer and Database
// history into one value-set timeline.
func (b *Buffer) RawWrites(key string, record uint64, start, end uint64) []*write.Write {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ws := b.byRecordKey[recordKeyOf(record, key)]
	out := make([]*write.Write, 0, len(ws))
	for _, w := range ws {
		if w.Version < start {
			continue
		}
		if w.Version >= end {
			break
		}
		out = append(out, w)
	}
	return out
}

// CandidateRecords returns every record the Buffer has ever written to,
// whether or not it still has a live value — pkg/store's GetAllRecords
// uses this as its Buffer-side candidate list before re-verifying each
// one through the composed RecordKeys.
func (b *Buffer) CandidateRecords() *recordset.Set {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := recordset.New()
	for record := range b.byRecord {
		set.Add(record)
	}
	return set
}

// RecordKeys implements describe(record [,t]): the set of keys that
// carry at least one live value on record at t, from Buffer Writes only.
func (b *Buffer) RecordKeys(record uint64, t uint64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	seen := make(map[string]bool)
	var out []string
	for _, w := range b.byRecord[record] {
		if w.Version > t {
			break
		}
		if seen[w.Key] {
			continue
		}
		if len(liveValuesInOrder(b.byRecordKey[recordKeyOf(record, w.Key)], t)) > 0 {
			seen[w.Key] = true
			out = append(out, w.Key)
		}
	}
	return out
}

// SelectRecord implements select(record [,t]): every key's live value
// set on record at t, from Buffer Writes only.
func (b *Buffer) SelectRecord(record uint64, t uint64) map[string][]value.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t = b.effectiveTime(t)
	out := make(map[string][]value.Value)
	seen := make(map[string]bool)
	for _, w := range b.byRecord[record] {
		if w.Version > t {
			break
		}
		if seen[w.Key] {
			continue
		}
		seen[w.Key] = true
		if vs := liveValuesInOrder(b.byRecordKey[recordKeyOf(record, w.Key)], t); len(vs) > 0 {
			out[w.Key] = vs
		}
	}
	return out
}

// Search implements search(key, query): a linear scan over Buffer
// Writes for String values whose tokens include every token of query —
// the Buffer has no standing inverted index (that's the Database's
// Search block), so this is correct-but-unindexed, matching how
// little data the not-yet-transferred Buffer is expected to hold at
// once.
func (b *Buffer) Search(key string, query string) *recordset.Set {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queryTokens := tokenize.Tokens(query)
	result := recordset.New()
	if len(queryTokens) == 0 {
		return result
	}

	counts := make(map[uint64]int)
	for _, w := range b.writes {
		if w.Key != key {
			continue
		}
		s, ok := w.Value.(value.String)
		if !ok {
			continue
		}
		if !containsAllTokens(tokenize.Tokens(string(s)), queryTokens) {
			continue
		}
		if w.Op == write.Add {
			counts[w.Record]++
		} else {
			counts[w.Record]--
		}
	}
	for rec, c := range counts {
		if c%2 != 0 {
			result.Add(rec)
		}
	}
	return result
}

func containsAllTokens(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, t := range haystack {
		set[t] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}
