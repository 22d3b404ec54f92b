// Package value implements Concourse's scalar tagged union: the nine
// Value kinds a Write can carry, their canonical byte encoding, and the
// cross-kind ordering the Write comparator (pkg/write) depends on.
//
// Each concrete kind is its own Go type implementing types.Comparable,
// one wrapper type per kind, with a closed union and defined cross-kind
// precedence so a single pkg/btree index can hold mixed-kind values for
// one key.
package value

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/types"
)

// Kind identifies a Value's concrete type and doubles as its encoded
// type tag and its cross-kind precedence rank (lower sorts first):
// bool < int32 < int64 < float < double < string < tag < link <
// timestamp.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt32
	KindInt64
	KindFloat
	KindDouble
	KindString
	KindTag
	KindLink
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindTag:
		return "tag"
	case KindLink:
		return "link"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is any of the nine scalar/link kinds a Write may carry.
type Value interface {
	types.Comparable
	Kind() Kind
	// Encode appends this value's 1-byte kind tag and its encoded body
	// to dst, returning the extended slice.
	Encode(dst []byte) []byte
	String() string
}

// Decode reads a single kind-tagged Value from the front of b, returning
// it and the number of bytes consumed. It fails with *cerrors.MalformedWrite
// if the tag is unknown or the body is truncated.
func Decode(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return nil, 0, &cerrors.MalformedWrite{Reason: "empty value"}
	}
	kind := Kind(b[0])
	body := b[1:]

	switch kind {
	case KindBool:
		if len(body) < 1 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated bool value"}
		}
		return Bool(body[0] != 0), 2, nil

	case KindInt32:
		if len(body) < 4 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated int32 value"}
		}
		v := int32(beUint32(body))
		return Int32(v), 5, nil

	case KindInt64:
		if len(body) < 8 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated int64 value"}
		}
		v := int64(beUint64(body))
		return Int64(v), 9, nil

	case KindFloat:
		if len(body) < 4 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated float value"}
		}
		v := math.Float32frombits(beUint32(body))
		return Float(v), 5, nil

	case KindDouble:
		if len(body) < 8 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated double value"}
		}
		v := math.Float64frombits(beUint64(body))
		return Double(v), 9, nil

	case KindString, KindTag:
		s, n, err := decodeLenPrefixed(body)
		if err != nil {
			return nil, 0, err
		}
		if kind == KindString {
			return String(s), 1 + n, nil
		}
		return Tag(s), 1 + n, nil

	case KindLink:
		if len(body) < 8 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated link value"}
		}
		return Link(beUint64(body)), 9, nil

	case KindTimestamp:
		if len(body) < 8 {
			return nil, 0, &cerrors.MalformedWrite{Reason: "truncated timestamp value"}
		}
		nanos := int64(beUint64(body))
		return Timestamp(time.Unix(0, nanos).UTC()), 9, nil

	default:
		return nil, 0, &cerrors.MalformedWrite{Reason: fmt.Sprintf("unknown value kind tag %d", kind)}
	}
}

func decodeLenPrefixed(body []byte) (string, int, error) {
	if len(body) < 4 {
		return "", 0, &cerrors.MalformedWrite{Reason: "truncated length prefix"}
	}
	n := beUint32(body)
	if uint64(n) > uint64(len(body)-4) {
		return "", 0, &cerrors.MalformedWrite{Reason: "length prefix exceeds remaining bytes"}
	}
	return string(body[4 : 4+n]), int(n) + 4, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func putBeUint64(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// compareKinds enforces the fixed cross-kind precedence when a and b are
// of different concrete types.
func compareKinds(a, b Value) int {
	ak, bk := a.Kind(), b.Kind()
	switch {
	case ak < bk:
		return -1
	case ak > bk:
		return 1
	default:
		return 0
	}
}

// --- concrete kinds ---

type Bool bool

func (v Bool) Kind() Kind { return KindBool }
func (v Bool) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindBool))
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}
func (v Bool) String() string { return fmt.Sprintf("%t", bool(v)) }
func (v Bool) Compare(other types.Comparable) int {
	o, ok := other.(Bool)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	if v == o {
		return 0
	}
	if !v && o {
		return -1
	}
	return 1
}

type Int32 int32

func (v Int32) Kind() Kind { return KindInt32 }
func (v Int32) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindInt32))
	return putBeUint32(dst, uint32(v))
}
func (v Int32) String() string { return fmt.Sprintf("%d", int32(v)) }
func (v Int32) Compare(other types.Comparable) int {
	o, ok := other.(Int32)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return cmpOrdered(int32(v), int32(o))
}

type Int64 int64

func (v Int64) Kind() Kind { return KindInt64 }
func (v Int64) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindInt64))
	return putBeUint64(dst, uint64(v))
}
func (v Int64) String() string { return fmt.Sprintf("%d", int64(v)) }
func (v Int64) Compare(other types.Comparable) int {
	o, ok := other.(Int64)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return cmpOrdered(int64(v), int64(o))
}

type Float float32

func (v Float) Kind() Kind { return KindFloat }
func (v Float) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindFloat))
	return putBeUint32(dst, math.Float32bits(float32(v)))
}
func (v Float) String() string { return fmt.Sprintf("%g", float32(v)) }
func (v Float) Compare(other types.Comparable) int {
	o, ok := other.(Float)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return cmpOrdered(float32(v), float32(o))
}

type Double float64

func (v Double) Kind() Kind { return KindDouble }
func (v Double) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindDouble))
	return putBeUint64(dst, math.Float64bits(float64(v)))
}
func (v Double) String() string { return fmt.Sprintf("%g", float64(v)) }
func (v Double) Compare(other types.Comparable) int {
	o, ok := other.(Double)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return cmpOrdered(float64(v), float64(o))
}

// String is free-text, full-text-indexable (see pkg/database's Search
// block). Tag is the same wire shape but opted out of tokenization.
type String string

func (v String) Kind() Kind { return KindString }
func (v String) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindString))
	dst = putBeUint32(dst, uint32(len(v)))
	return append(dst, v...)
}
func (v String) String() string { return string(v) }
func (v String) Compare(other types.Comparable) int {
	o, ok := other.(String)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return bytes.Compare([]byte(v), []byte(o))
}

type Tag string

func (v Tag) Kind() Kind { return KindTag }
func (v Tag) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindTag))
	dst = putBeUint32(dst, uint32(len(v)))
	return append(dst, v...)
}
func (v Tag) String() string { return string(v) }
func (v Tag) Compare(other types.Comparable) int {
	o, ok := other.(Tag)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return bytes.Compare([]byte(v), []byte(o))
}

// Link points at another record, the building block of the document
// graph (consolidateRecords re-points these).
type Link uint64

func (v Link) Kind() Kind { return KindLink }
func (v Link) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindLink))
	return putBeUint64(dst, uint64(v))
}
func (v Link) String() string { return fmt.Sprintf("@%d", uint64(v)) }
func (v Link) Compare(other types.Comparable) int {
	o, ok := other.(Link)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	return cmpOrdered(uint64(v), uint64(o))
}

type Timestamp time.Time

func (v Timestamp) Kind() Kind { return KindTimestamp }
func (v Timestamp) Encode(dst []byte) []byte {
	dst = append(dst, byte(KindTimestamp))
	return putBeUint64(dst, uint64(time.Time(v).UnixNano()))
}
func (v Timestamp) String() string { return time.Time(v).Format(time.RFC3339Nano) }
func (v Timestamp) Compare(other types.Comparable) int {
	o, ok := other.(Timestamp)
	if !ok {
		return compareKinds(v, other.(Value))
	}
	a, b := time.Time(v), time.Time(o)
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func cmpOrdered[T int32 | int64 | float32 | float64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
