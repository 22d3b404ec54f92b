// Package store implements BufferedStore: the composition of a
// pkg/buffer.Buffer and a pkg/database.Store behind one logical read
// surface, merging the two backing stores' views by version.
package store

import (
	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/database"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// Now is the sentinel "as of the most recent Write" timestamp, shared
// with pkg/buffer.Now/pkg/database.Now (all three are defined to be the
// same bit pattern so a caller can pass one store's Now to another).
const Now = buffer.Now

// Store is the single logical store the rest of the engine reads
// and writes through.
type Store struct {
	Buffer   *buffer.Buffer
	Database *database.Store
	Versions *VersionIndex
}

// New composes an already-open Buffer and Database into one Store. The
// Buffer must have been opened with this Database as its Ingester.
func New(buf *buffer.Buffer, db *database.Store) *Store {
	return &Store{Buffer: buf, Database: db, Versions: newVersionIndex()}
}

// InsertWrite appends an already-versioned, already-validated Write
// directly to the Buffer. It is the sole write path into the store;
// pkg/atomic's commit calls it once per buffered mutation after
// validating version expectations and minting versions — the
// precondition check — add/remove must call the parent's verify —
// happens earlier, while the AtomicOperation is still
// buffering, via Store.Verify below. Versions observes every successful
// insert so later VersionExpectation checks can detect an intervening
// write.
func (s *Store) InsertWrite(w *write.Write) error {
	if err := s.Buffer.Insert(w); err != nil {
		return err
	}
	s.Versions.observe(w.Key, w.Record, w.Version)
	return nil
}

// SeedVersions replays a recovered Buffer's Writes through Versions so
// VersionExpectation validation has the same high-water marks right
// after Engine startup that it would have had before a crash, extended
// to AtomicOperation's purely in-memory bookkeeping.
func (s *Store) SeedVersions(writes []*write.Write) {
	for _, w := range writes {
		s.Versions.observe(w.Key, w.Record, w.Version)
	}
}

// Transfer drains sealed Buffer pages into the Database, oldest first,
// within a maxBytes budget that always admits the oldest page. The Engine's background transfer thread calls this on a
// timer (default 100ms).
func (s *Store) Transfer(maxBytes int64) (int, error) {
	return s.Buffer.Transfer(maxBytes)
}

// Close closes the Buffer and Database.
func (s *Store) Close() error {
	var firstErr error
	if err := s.Buffer.Close(); err != nil {
		firstErr = err
	}
	if err := s.Database.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Verify implements verify(k, v, r [,t]): the symmetric
// difference of the Database's and Buffer's independently-computed
// local membership — each store's local ADD-minus-REMOVE parity is
// additive, so the true combined parity is the XOR of the two local
// parities (odd XOR odd = even, the two segments' flips cancel).
func (s *Store) Verify(key string, v value.Value, record uint64, t uint64) (bool, error) {
	dbLive, err := s.Database.Verify(key, v, record, t)
	if err != nil {
		return false, err
	}
	bufLive := s.Buffer.Verify(key, v, record, t)
	return dbLive != bufLive, nil
}

// Select implements select(k, r [,t]) via the same XOR-of-local-sets
// principle as Verify, applied per distinct value. Database-only values
// are listed first (they are always the older history), followed by any
// Buffer-only values not already present, preserving first-ADD order
// within each segment.
func (s *Store) Select(key string, record uint64, t uint64) ([]value.Value, error) {
	dbVals, err := s.Database.Select(key, record, t)
	if err != nil {
		return nil, err
	}
	bufVals := s.Buffer.Select(key, record, t)
	return xorValues(dbVals, bufVals), nil
}

func xorValues(a, b []value.Value) []value.Value {
	inA := make(map[string]bool, len(a))
	for _, v := range a {
		inA[string(v.Encode(nil))] = true
	}
	inB := make(map[string]bool, len(b))
	for _, v := range b {
		inB[string(v.Encode(nil))] = true
	}

	out := make([]value.Value, 0, len(a)+len(b))
	for _, v := range a {
		if !inB[string(v.Encode(nil))] {
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !inA[string(v.Encode(nil))] {
			out = append(out, v)
		}
	}
	return out
}

// ValueRecords mirrors pkg/buffer.ValueRecords/pkg/database.ValueRecords:
// browse's result shape.
type ValueRecords struct {
	Value   value.Value
	Records *recordset.Set
}

// Browse implements browse(k [,t]): for each distinct value seen in
// either store, the record set is the XOR of the two stores' local
// record sets for that value — the same per-resource parity argument as
// Verify/Select, applied per record instead of as a single boolean.
// Values present in neither store after XOR are still reported with an
// empty record set, never pruned.
func (s *Store) Browse(key string, t uint64) ([]ValueRecords, error) {
	dbVR, err := s.Database.Browse(key, t)
	if err != nil {
		return nil, err
	}
	bufVR := s.Buffer.Browse(key, t)
	return mergeValueRecords(dbVR, bufVR), nil
}

func mergeValueRecords(dbVR []database.ValueRecords, bufVR []buffer.ValueRecords) []ValueRecords {
	type entry struct {
		v      value.Value
		dbSet  *recordset.Set
		bufSet *recordset.Set
	}
	byValue := make(map[string]*entry)
	var order []string

	for _, vr := range dbVR {
		vk := string(vr.Value.Encode(nil))
		byValue[vk] = &entry{v: vr.Value, dbSet: vr.Records}
		order = append(order, vk)
	}
	for _, vr := range bufVR {
		vk := string(vr.Value.Encode(nil))
		e, ok := byValue[vk]
		if !ok {
			e = &entry{v: vr.Value}
			byValue[vk] = e
			order = append(order, vk)
		}
		e.bufSet = vr.Records
	}

	out := make([]ValueRecords, 0, len(order))
	for _, vk := range order {
		e := byValue[vk]
		db := e.dbSet
		if db == nil {
			db = recordset.New()
		}
		buf := e.bufSet
		if buf == nil {
			buf = recordset.New()
		}
		out = append(out, ValueRecords{Value: e.v, Records: db.Xor(buf)})
	}
	return out
}

// Find implements find(k, op, vs [,t]): union the two stores' candidate
// sets, then re-verify each candidate against the composed (XOR'd)
// value set so a Write in one store that cancels a match in the other
// doesn't surface a false positive.
func (s *Store) Find(key string, cond *predicate.Condition, t uint64) (*recordset.Set, error) {
	dbSet, err := s.Database.Find(key, cond, t)
	if err != nil {
		return nil, err
	}
	bufSet := s.Buffer.Find(key, cond, t)
	candidates := dbSet.Union(bufSet)

	result := recordset.New()
	for _, rec := range candidates.ToSlice() {
		vals, err := s.Select(key, rec, t)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if cond.Matches(v) {
				result.Add(rec)
				break
			}
		}
	}
	return result, nil
}

// Search implements search(key, query): union of Database's indexed
// Search block and the Buffer's unindexed linear scan over recent data.
func (s *Store) Search(key, query string) (*recordset.Set, error) {
	dbSet, err := s.Database.Search(key, query)
	if err != nil {
		return nil, err
	}
	bufSet := s.Buffer.Search(key, query)
	return dbSet.Union(bufSet), nil
}

// GetAllRecords implements getAllRecords(): every record with at least
// one composed (Database XOR Buffer) live key. Database's own answer
// and the Buffer's candidate records (every record the Buffer has ever
// written, whether or not still live) are unioned into a candidate
// list, then each candidate is re-verified through RecordKeys so a
// record that's entirely Buffer-resident, or whose only surviving value
// was retracted solely in the Buffer, is counted correctly either way.
func (s *Store) GetAllRecords() (*recordset.Set, error) {
	dbSet, err := s.Database.GetAllRecords()
	if err != nil {
		return nil, err
	}
	candidates := dbSet.Union(s.Buffer.CandidateRecords())

	result := recordset.New()
	for _, rec := range candidates.ToSlice() {
		keys, err := s.RecordKeys(rec, Now)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			result.Add(rec)
		}
	}
	return result, nil
}

// AuditEntry mirrors pkg/buffer.AuditEntry/pkg/database.AuditEntry.
type AuditEntry struct {
	Version     uint64
	Description string
}

// Audit implements audit/review(r [,k]): Database entries (always
// older, since only transferred Writes reach it) followed by Buffer
// entries, which is already version order because transfer only moves
// Writes forward across the boundary, never backward.
func (s *Store) Audit(record uint64, key string) ([]AuditEntry, error) {
	dbEntries, err := s.Database.Audit(record, key)
	if err != nil {
		return nil, err
	}
	bufEntries := s.Buffer.Audit(record, key)

	out := make([]AuditEntry, 0, len(dbEntries)+len(bufEntries))
	for _, e := range dbEntries {
		out = append(out, AuditEntry{Version: e.Version, Description: e.Description})
	}
	for _, e := range bufEntries {
		out = append(out, AuditEntry{Version: e.Version, Description: e.Description})
	}
	return out, nil
}

func (s *Store) Review(record uint64, key string) ([]AuditEntry, error) {
	return s.Audit(record, key)
}

// ChronologizeEntry mirrors pkg/buffer.ChronologizeEntry.
type ChronologizeEntry struct {
	Version uint64
	Values  []value.Value
}

// Chronologize implements chronologize(k, r, start, end): the two
// stores' raw Writes in [start, end) are merged by version (Database's
// always sort before Buffer's, but a merge keeps this correct even if
// a transfer races concurrently with the read) and replayed through one
// shared ADD/REMOVE accumulator, so a Buffer-resident Write's snapshot
// still reflects values established before the transfer boundary.
func (s *Store) Chronologize(key string, record uint64, start, end uint64) ([]ChronologizeEntry, error) {
	dbWrites, err := s.Database.RawWrites(key, record, start, end)
	if err != nil {
		return nil, err
	}
	bufWrites := s.Buffer.RawWrites(key, record, start, end)

	merged := make([]*write.Write, 0, len(dbWrites)+len(bufWrites))
	merged = append(merged, dbWrites...)
	merged = append(merged, bufWrites...)
	sortByVersion(merged)

	counts := make(map[string]int)
	values := make(map[string]value.Value)
	var order []string
	out := make([]ChronologizeEntry, 0, len(merged))

	for _, w := range merged {
		vk := string(w.Value.Encode(nil))
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
	return out, nil
}

func sortByVersion(ws []*write.Write) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j-1].Version > ws[j].Version; j-- {
			ws[j-1], ws[j] = ws[j], ws[j-1]
		}
	}
}

// RecordKeys implements describe(record [,t]): the union of keys either
// store currently considers live on record, each re-verified through
// the composed SelectRecord so a key that's live in only one store
// still counts, and a key canceled out between the two doesn't.
func (s *Store) RecordKeys(record uint64, t uint64) ([]string, error) {
	keyed, err := s.SelectRecord(record, t)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keyed))
	for k, vs := range keyed {
		if len(vs) > 0 {
			out = append(out, k)
		}
	}
	return out, nil
}

// SelectRecord implements select(record [,t]): every key's composed
// (XOR'd) live value set on record.
func (s *Store) SelectRecord(record uint64, t uint64) (map[string][]value.Value, error) {
	dbKeyed, err := s.Database.SelectRecord(record, t)
	if err != nil {
		return nil, err
	}
	bufKeyed := s.Buffer.SelectRecord(record, t)

	keys := make(map[string]bool)
	for k := range dbKeyed {
		keys[k] = true
	}
	for k := range bufKeyed {
		keys[k] = true
	}

	out := make(map[string][]value.Value, len(keys))
	for k := range keys {
		merged := xorValues(dbKeyed[k], bufKeyed[k])
		if len(merged) > 0 {
			out[k] = merged
		}
	}
	return out, nil
}

