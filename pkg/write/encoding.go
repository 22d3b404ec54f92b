package write

import (
	"fmt"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/value"
)

// Encode produces the canonical byte layout:
// type(1) | version(8, BE) | record(8, BE) | key(4-byte length + utf8) |
// value(1-byte kind tag + body). No padding.
func Encode(w *Write) []byte {
	buf := make([]byte, 0, 1+8+8+4+len(w.Key)+9)
	buf = append(buf, byte(w.Op))
	buf = putBeUint64(buf, w.Version)
	buf = putBeUint64(buf, w.Record)
	buf = putBeUint32(buf, uint32(len(w.Key)))
	buf = append(buf, w.Key...)
	buf = w.Value.Encode(buf)
	return buf
}

// Decode is Encode's inverse. It fails with *cerrors.MalformedWrite if a
// length-prefixed section would read past the end of b or the type tag
// is unrecognized.
func Decode(b []byte) (*Write, error) {
	if len(b) < 1 {
		return nil, &cerrors.MalformedWrite{Reason: "empty write"}
	}
	op := Op(b[0])
	if op != Add && op != Remove {
		return nil, &cerrors.MalformedWrite{Reason: fmt.Sprintf("unknown op tag %d", b[0])}
	}
	rest := b[1:]

	if len(rest) < 16 {
		return nil, &cerrors.MalformedWrite{Reason: "truncated version/record"}
	}
	version := beUint64(rest[0:8])
	record := beUint64(rest[8:16])
	rest = rest[16:]

	if len(rest) < 4 {
		return nil, &cerrors.MalformedWrite{Reason: "truncated key length"}
	}
	keyLen := beUint32(rest[0:4])
	rest = rest[4:]
	if uint64(keyLen) > uint64(len(rest)) {
		return nil, &cerrors.MalformedWrite{Reason: "key length exceeds remaining bytes"}
	}
	key := string(rest[:keyLen])
	rest = rest[keyLen:]

	v, _, err := value.Decode(rest)
	if err != nil {
		return nil, &cerrors.MalformedWrite{Reason: fmt.Sprintf("value: %s", err)}
	}

	if err := ValidateKey(key); err != nil {
		return nil, &cerrors.MalformedWrite{Reason: fmt.Sprintf("decoded key invalid: %s", err)}
	}

	return &Write{Op: op, Key: key, Value: v, Record: record, Version: version}, nil
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
