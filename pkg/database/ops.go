package database

import (
	"github.com/cockroachdb/pebble"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/tokenize"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// Now mirrors pkg/buffer.Now: the sentinel meaning "as of the most
// recently transferred Write."
const Now uint64 = ^uint64(0)

func effectiveTime(t uint64) uint64 {
	if t == 0 {
		return Now
	}
	return t
}

// primaryKeyPrefix bounds every version of (record, key).
func primaryKeyPrefix(record uint64, key string) []byte {
	buf := make([]byte, 0, 8+1+len(key)+1)
	buf = appendBE64(buf, record)
	buf = append(buf, sep)
	buf = append(buf, key...)
	buf = append(buf, sep)
	return buf
}

// primaryRange returns the [lo, hi) bound covering every (record, key)
// entry with version <= t.
func primaryRange(record uint64, key string, t uint64) (lo, hi []byte) {
	lo = primaryKey(record, key, 0)
	if t == Now || t == ^uint64(0) {
		return lo, prefixUpperBound(primaryKeyPrefix(record, key))
	}
	return lo, primaryKey(record, key, t+1)
}

func (s *Store) newIter(db *pebble.DB, lo, hi []byte) (*pebble.Iterator, error) {
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return it, nil
}

// Verify implements verify(k, v, r [,t]): live-membership of (k, v, r)
// in the Database's transferred history, per invariant 6.
func (s *Store) Verify(key string, v value.Value, record uint64, t uint64) (bool, error) {
	t = effectiveTime(t)
	lo, hi := primaryRange(record, key, t)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return false, err
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return false, derr
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
	if err := it.Error(); err != nil {
		return false, &cerrors.IoFailure{Err: err}
	}
	return count%2 != 0, nil
}

// Select implements select(k, r [,t]): the live value set at (k, r, t),
// in ADD order.
func (s *Store) Select(key string, record uint64, t uint64) ([]value.Value, error) {
	t = effectiveTime(t)
	lo, hi := primaryRange(record, key, t)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	counts := make(map[string]int)
	values := make(map[string]value.Value)
	var order []string
	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
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
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	out := make([]value.Value, 0, len(order))
	for _, vk := range order {
		if counts[vk]%2 != 0 {
			out = append(out, values[vk])
		}
	}
	return out, nil
}

// ValueRecords mirrors pkg/buffer.ValueRecords: browse's result shape.
type ValueRecords struct {
	Value   value.Value
	Records *recordset.Set
}

// Browse implements browse(k [,t]) over the Database's Secondary block.
func (s *Store) Browse(key string, t uint64) ([]ValueRecords, error) {
	t = effectiveTime(t)
	prefix := secondaryKeyPrefix(key)
	it, err := s.newIter(s.secondary, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	type perValue struct {
		v       value.Value
		records map[uint64]int
	}
	byValue := make(map[string]*perValue)
	var order []string

	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		if w.Version > t {
			continue
		}
		vk := string(w.Value.Encode(nil))
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
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

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
	return out, nil
}

// Find implements find(k, op, vs [,t]) over the Database's Secondary
// block, seeking when the operator allows it (predicate.Condition.
// ShouldSeek) and falling back to a full-key scan otherwise.
func (s *Store) Find(key string, cond *predicate.Condition, t uint64) (*recordset.Set, error) {
	t = effectiveTime(t)
	lo, hi := s.scanBounds(key, cond)
	it, err := s.newIter(s.secondary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	counts := make(map[string]map[uint64]int)
	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		if w.Version > t || !cond.Matches(w.Value) {
			continue
		}
		vk := string(w.Value.Encode(nil))
		if _, ok := counts[vk]; !ok {
			counts[vk] = make(map[uint64]int)
		}
		if w.Op == write.Add {
			counts[vk][w.Record]++
		} else {
			counts[vk][w.Record]--
		}
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	result := recordset.New()
	for _, rc := range counts {
		for rec, c := range rc {
			if c%2 != 0 {
				result.Add(rec)
			}
		}
	}
	return result, nil
}

func (s *Store) scanBounds(key string, cond *predicate.Condition) (lo, hi []byte) {
	prefix := secondaryKeyPrefix(key)
	lo, hi = prefix, prefixUpperBound(prefix)
	if !cond.ShouldSeek() {
		return lo, hi
	}

	switch cond.Operator {
	case predicate.Equal, predicate.LinksTo:
		eq := append([]byte{}, prefix...)
		eq = append(eq, orderedBytes(cond.Value)...)
		return eq, prefixUpperBound(eq)
	case predicate.GreaterThan:
		gt := append([]byte{}, prefix...)
		gt = append(gt, orderedBytes(cond.Value)...)
		return gt, hi
	case predicate.GreaterOrEqual:
		ge := append([]byte{}, prefix...)
		ge = append(ge, orderedBytes(cond.Value)...)
		return ge, hi
	case predicate.Between:
		gelo := append([]byte{}, prefix...)
		gelo = append(gelo, orderedBytes(cond.Value)...)
		gehi := append([]byte{}, prefix...)
		gehi = append(gehi, orderedBytes(cond.ValueEnd)...)
		return gelo, prefixUpperBound(gehi)
	}
	return lo, hi
}

// AuditEntry mirrors pkg/buffer.AuditEntry.
type AuditEntry struct {
	Version     uint64
	Description string
}

// Audit implements audit/review(r [,k]) over the Database's Primary
// block, ordered by version within each key and by key within record
// (the Primary block's own sort order).
func (s *Store) Audit(record uint64, key string) ([]AuditEntry, error) {
	lo := primaryRecordPrefix(record)
	hi := prefixUpperBound(lo)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []AuditEntry
	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		if key != "" && w.Key != key {
			continue
		}
		out = append(out, AuditEntry{Version: w.Version, Description: describeWrite(w)})
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return out, nil
}

func (s *Store) Review(record uint64, key string) ([]AuditEntry, error) {
	return s.Audit(record, key)
}

func describeWrite(w *write.Write) string {
	return w.Op.String() + " " + w.Key + " AS " + w.Value.String() + " IN " + uintToString(w.Record)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ChronologizeEntry mirrors pkg/buffer.ChronologizeEntry.
type ChronologizeEntry struct {
	Version uint64
	Values  []value.Value
}

// Chronologize implements chronologize(k, r, start, end) over the
// Database's Primary block.
func (s *Store) Chronologize(key string, record uint64, start, end uint64) ([]ChronologizeEntry, error) {
	lo := primaryKey(record, key, start)
	hi := primaryKey(record, key, end)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	counts := make(map[string]int)
	values := make(map[string]value.Value)
	var order []string
	var out []ChronologizeEntry

	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
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
		for _, vk2 := range order {
			if counts[vk2]%2 != 0 {
				snapshot = append(snapshot, values[vk2])
			}
		}
		out = append(out, ChronologizeEntry{Version: w.Version, Values: snapshot})
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return out, nil
}

// RawWrites returns every transferred Write on (key, record) with
// start <= version < end, in version order — mirrors
// pkg/buffer.Buffer.RawWrites for pkg/store's composed Chronologize.
func (s *Store) RawWrites(key string, record uint64, start, end uint64) ([]*write.Write, error) {
	lo := primaryKey(record, key, start)
	hi := primaryKey(record, key, end)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*write.Write
	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		out = append(out, w)
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return out, nil
}

// RecordKeys implements describe(record [,t]): the set of keys with a
// live value on record at t.
func (s *Store) RecordKeys(record uint64, t uint64) ([]string, error) {
	t = effectiveTime(t)
	keyed, err := s.selectRecordLocked(record, t)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keyed.order))
	for _, k := range keyed.order {
		if len(keyed.values[k]) > 0 {
			out = append(out, k)
		}
	}
	return out, nil
}

// SelectRecord implements select(record [,t]): every key's live value
// set on record at t.
func (s *Store) SelectRecord(record uint64, t uint64) (map[string][]value.Value, error) {
	t = effectiveTime(t)
	keyed, err := s.selectRecordLocked(record, t)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]value.Value)
	for _, k := range keyed.order {
		if vs := keyed.values[k]; len(vs) > 0 {
			out[k] = vs
		}
	}
	return out, nil
}

type recordSnapshot struct {
	order  []string
	values map[string][]value.Value
}

// selectRecordLocked performs a single linear pass over every Write for
// record (Primary is sorted (record, key, version), so all of a key's
// Writes are contiguous), computing each key's live value set at t.
func (s *Store) selectRecordLocked(record uint64, t uint64) (*recordSnapshot, error) {
	lo := primaryRecordPrefix(record)
	hi := prefixUpperBound(lo)
	it, err := s.newIter(s.primary, lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := &recordSnapshot{values: make(map[string][]value.Value)}
	var curKey string
	haveCur := false
	counts := make(map[string]int)
	vals := make(map[string]value.Value)
	var order []string

	flush := func() {
		if !haveCur {
			return
		}
		live := make([]value.Value, 0, len(order))
		for _, vk := range order {
			if counts[vk]%2 != 0 {
				live = append(live, vals[vk])
			}
		}
		out.values[curKey] = live
		out.order = append(out.order, curKey)
	}

	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		if w.Version > t {
			continue
		}
		if !haveCur || w.Key != curKey {
			flush()
			curKey = w.Key
			counts = make(map[string]int)
			vals = make(map[string]value.Value)
			order = nil
			haveCur = true
		}
		vk := string(w.Value.Encode(nil))
		if _, seen := vals[vk]; !seen {
			vals[vk] = w.Value
			order = append(order, vk)
		}
		if w.Op == write.Add {
			counts[vk]++
		} else {
			counts[vk]--
		}
	}
	flush()
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return out, nil
}

// Search implements search(key, query) over the Database's Search
// block: records whose String value at key contains every token of
// query, live "now."
func (s *Store) Search(key, query string) (*recordset.Set, error) {
	queryTokens := tokenize.Tokens(query)
	result := recordset.New()
	if len(queryTokens) == 0 {
		return result, nil
	}

	var candidates map[uint64]bool
	for _, tok := range queryTokens {
		matches, err := s.recordsWithToken(key, tok)
		if err != nil {
			return nil, err
		}
		if candidates == nil {
			candidates = matches
			continue
		}
		for rec := range candidates {
			if !matches[rec] {
				delete(candidates, rec)
			}
		}
	}
	for rec := range candidates {
		result.Add(rec)
	}
	return result, nil
}

// recordsWithToken returns the set of records currently live for token
// under key, by replaying the token's ADD/REMOVE occurrences in version
// order (the Search block's entries carry the same Op-cancellation
// semantics as Primary/Secondary).
func (s *Store) recordsWithToken(key, token string) (map[uint64]bool, error) {
	prefix := searchKeyTokenPrefix(key, token)
	it, err := s.newIter(s.search, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	counts := make(map[uint64]int)
	for it.First(); it.Valid(); it.Next() {
		record, op := decodeSearchValue(it.Key(), it.Value())
		if op == write.Add {
			counts[record]++
		} else {
			counts[record]--
		}
	}
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	out := make(map[uint64]bool)
	for rec, c := range counts {
		if c%2 != 0 {
			out[rec] = true
		}
	}
	return out, nil
}

// decodeSearchValue pulls the record id back out of a search key's
// fixed-width suffix (position(4) + record(8) + version(8)) and the Op
// out of the 1-byte value.
func decodeSearchValue(k, v []byte) (record uint64, op write.Op) {
	if len(k) < 16 {
		return 0, write.Add
	}
	recBytes := k[len(k)-16 : len(k)-8]
	record = beUint64(recBytes)
	if len(v) > 0 {
		op = write.Op(v[0])
	}
	return record, op
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// GetAllRecords implements getAllRecords(): every record with at least
// one currently live (key, value) pair anywhere in the transferred
// history, computed in one linear pass over Primary (sorted by record
// first, so each record's Writes are contiguous).
func (s *Store) GetAllRecords() (*recordset.Set, error) {
	it, err := s.newIter(s.primary, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	result := recordset.New()
	var curRecord uint64
	var curKey string
	haveCur := false
	counts := make(map[string]int)
	recordHasLive := false

	flushGroup := func() {
		for _, c := range counts {
			if c%2 != 0 {
				recordHasLive = true
				return
			}
		}
	}
	flushRecord := func() {
		if haveCur && recordHasLive {
			result.Add(curRecord)
		}
	}

	for it.First(); it.Valid(); it.Next() {
		w, derr := s.decodePayload(it.Value())
		if derr != nil {
			return nil, derr
		}
		switch {
		case !haveCur || w.Record != curRecord:
			flushGroup()
			flushRecord()
			curRecord, curKey, haveCur = w.Record, w.Key, true
			counts = make(map[string]int)
			recordHasLive = false
		case w.Key != curKey:
			flushGroup()
			curKey = w.Key
			counts = make(map[string]int)
		}
		vk := string(w.Value.Encode(nil))
		if w.Op == write.Add {
			counts[vk]++
		} else {
			counts[vk]--
		}
	}
	flushGroup()
	flushRecord()
	if err := it.Error(); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	return result, nil
}
