// Package token implements Token: an opaque 128-bit hash of a tuple of
// lock-relevant objects, carrying a cardinality hint so the lock
// services can tell a single-resource token apart from a multi-resource
// (range) one at a glance.
package token

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Token is a 128-bit mixing hash plus a cardinality hint.
type Token struct {
	hi, lo      uint64
	Cardinality int
}

// New hashes parts (each already a canonical byte representation of a
// lock-relevant object, e.g. a Write's key+value encoding) into a single
// 128-bit Token. xxhash itself only produces 64 bits per call, so the
// second half is derived by hashing the same input again with an
// appended salt byte — two independent-enough 64-bit digests
// concatenated into one restart-stable 128-bit mixing hash.
func New(cardinality int, parts ...[]byte) Token {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.Write(p)
	}
	hi := d.Sum64()

	_, _ = d.Write([]byte{0xA5})
	lo := d.Sum64()

	return Token{hi: hi, lo: lo, Cardinality: cardinality}
}

// Bytes returns the 16-byte big-endian representation, used for the
// canonical lock-acquisition ordering: locks are acquired sorted by
// token bytes.
func (t Token) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], t.hi)
	binary.BigEndian.PutUint64(b[8:], t.lo)
	return b
}

// Less implements the canonical byte-order comparison used to sort a
// batch of tokens before acquiring their locks, preventing deadlock among
// operations that both need several tokens.
func (t Token) Less(other Token) bool {
	a, b := t.Bytes(), other.Bytes()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SortForAcquisition returns a copy of toks in canonical acquisition
// order.
func SortForAcquisition(toks []Token) []Token {
	out := make([]Token, len(toks))
	copy(out, toks)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ForResource builds the (key, value, record) Token used by add/remove's
// exclusive write lock and point range-lock conventions.
func ForResource(key string, encodedValue []byte, record uint64) Token {
	var recBuf [8]byte
	binary.BigEndian.PutUint64(recBuf[:], record)
	return New(1, []byte(key), encodedValue, recBuf[:])
}

// ForKey builds the full-key Token browse(key) takes a read lock on.
func ForKey(key string) Token {
	return New(1<<30, []byte(key))
}
