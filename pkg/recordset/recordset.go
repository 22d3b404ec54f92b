// Package recordset implements the compressed record-ID set returned by
// browse, find, and getAllRecords — a "give me every record matching X"
// result, backed by a Roaring bitmap (roaring64, since record
// identifiers are unsigned 64-bit) the way an inverted-index posting
// list is usually represented.
package recordset

import "github.com/RoaringBitmap/roaring/v2/roaring64"

// Set is a mutable, compressed set of record identifiers.
type Set struct {
	bm *roaring64.Bitmap
}

func New() *Set {
	return &Set{bm: roaring64.New()}
}

func FromSlice(records []uint64) *Set {
	s := New()
	for _, r := range records {
		s.Add(r)
	}
	return s
}

func (s *Set) Add(record uint64) { s.bm.Add(record) }

func (s *Set) Remove(record uint64) { s.bm.Remove(record) }

func (s *Set) Contains(record uint64) bool { return s.bm.Contains(record) }

func (s *Set) Len() uint64 { return s.bm.GetCardinality() }

// Union returns a new Set containing every record in either s or other.
func (s *Set) Union(other *Set) *Set {
	return &Set{bm: roaring64.Or(s.bm, other.bm)}
}

// Intersect returns a new Set containing only records present in both.
func (s *Set) Intersect(other *Set) *Set {
	return &Set{bm: roaring64.And(s.bm, other.bm)}
}

// Xor returns a new Set containing records present in exactly one of
// s and other — the operation BufferedStore.Browse uses to combine
// Database and Buffer record sets under symmetric-difference semantics.
func (s *Set) Xor(other *Set) *Set {
	return &Set{bm: roaring64.Xor(s.bm, other.bm)}
}

func (s *Set) ToSlice() []uint64 {
	return s.bm.ToArray()
}

func (s *Set) Clone() *Set {
	return &Set{bm: s.bm.Clone()}
}
