package database

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/concourse-go/concourse/pkg/value"
)

// Pebble compares keys byte-wise, so every index key below is built so
// that byte order matches the semantic order the index needs:
// orderedBytes(v) is monotonic with value.Value.Compare, which is what
// lets Find's seekable operators (=,>,>=,BETWEEN,LINKS_TO) drive a
// bounded pebble.Iterator instead of a full scan.

const sep = 0x00

// primaryKey sorts by (record, key, version) — the Primary block order.
func primaryKey(record uint64, key string, version uint64) []byte {
	buf := make([]byte, 0, 8+1+len(key)+1+8)
	buf = appendBE64(buf, record)
	buf = append(buf, sep)
	buf = append(buf, key...)
	buf = append(buf, sep)
	buf = appendBE64(buf, version)
	return buf
}

// primaryRecordPrefix bounds every key belonging to record, regardless
// of which Write key or version.
func primaryRecordPrefix(record uint64) []byte {
	buf := make([]byte, 0, 8)
	return appendBE64(buf, record)
}

// secondaryKey sorts by (key, value, record, version) — the Secondary
// block order.
func secondaryKey(key string, v value.Value, record uint64, version uint64) []byte {
	ob := orderedBytes(v)
	buf := make([]byte, 0, len(key)+1+len(ob)+8+8)
	buf = append(buf, key...)
	buf = append(buf, sep)
	buf = append(buf, ob...)
	buf = appendBE64(buf, record)
	buf = appendBE64(buf, version)
	return buf
}

// secondaryKeyPrefix bounds every Secondary entry for key, across every
// value.
func secondaryKeyPrefix(key string) []byte {
	buf := make([]byte, 0, len(key)+1)
	buf = append(buf, key...)
	buf = append(buf, sep)
	return buf
}

// searchKey sorts by (key, token, position, record, version) — the
// Search block's order: an inverted index of tokenized string values.
func searchKey(key, token string, position int, record, version uint64) []byte {
	buf := make([]byte, 0, len(key)+1+len(token)+1+4+8+8)
	buf = append(buf, key...)
	buf = append(buf, sep)
	buf = append(buf, token...)
	buf = append(buf, sep)
	buf = appendBE32(buf, uint32(position))
	buf = appendBE64(buf, record)
	buf = appendBE64(buf, version)
	return buf
}

// searchKeyTokenPrefix bounds every occurrence of token under key,
// across all positions/records/versions.
func searchKeyTokenPrefix(key, token string) []byte {
	buf := make([]byte, 0, len(key)+1+len(token)+1)
	buf = append(buf, key...)
	buf = append(buf, sep)
	buf = append(buf, token...)
	buf = append(buf, sep)
	return buf
}

// prefixUpperBound returns the smallest key greater than every key
// sharing prefix — the idiomatic pebble technique for a prefix scan's
// UpperBound (increment the last byte that isn't already 0xFF).
func prefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xFF {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil // prefix is all 0xFF: unbounded above
}

func appendBE64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendBE32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// orderedBytes produces a byte-comparable encoding of v: a 1-byte kind
// tag (already in the value kind's cross-kind precedence order) followed by a
// body whose unsigned-byte comparison matches the kind's natural order.
// It is write-only — the Database never reconstructs a Value from this
// form, only from the payload stored alongside it — so fixed-width
// numeric fields are flipped/offset for sort order and variable-length
// strings are left as raw UTF-8 (shorter-is-a-prefix already sorts
// correctly under byte comparison).
func orderedBytes(v value.Value) []byte {
	buf := []byte{byte(v.Kind())}
	switch t := v.(type) {
	case value.Bool:
		if t {
			return append(buf, 1)
		}
		return append(buf, 0)
	case value.Int32:
		return appendBE32(buf, uint32(t)^0x80000000)
	case value.Int64:
		return appendBE64(buf, uint64(t)^0x8000000000000000)
	case value.Float:
		return appendBE32(buf, orderedFloat32(float32(t)))
	case value.Double:
		return appendBE64(buf, orderedFloat64(float64(t)))
	case value.String:
		return append(buf, t...)
	case value.Tag:
		return append(buf, t...)
	case value.Link:
		return appendBE64(buf, uint64(t))
	case value.Timestamp:
		nanos := timeUnixNano(t)
		return appendBE64(buf, uint64(nanos)^0x8000000000000000)
	default:
		return buf
	}
}

func timeUnixNano(t value.Timestamp) int64 {
	return time.Time(t).UnixNano()
}

// orderedFloat32/64 map IEEE-754 bit patterns to an unsigned-integer
// order that matches float comparison: for non-negative numbers, flip
// the sign bit; for negative numbers, flip every bit (so more-negative
// sorts lower as an unsigned integer too). This is the standard
// key-encoding trick for storing floats in a byte-ordered index.
func orderedFloat32(f float32) uint32 {
	bits := math.Float32bits(f)
	if bits&0x80000000 != 0 {
		return ^bits
	}
	return bits | 0x80000000
}

func orderedFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&0x8000000000000000 != 0 {
		return ^bits
	}
	return bits | 0x8000000000000000
}
