package txn

import (
	"encoding/binary"

	catomic "github.com/concourse-go/concourse/pkg/atomic"
	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/write"
)

var intentMagic = [4]byte{'C', 'C', 'T', 'X'}

const intentFormatVersion = 1

// intent is the durable record of a Transaction's buffered Writes and
// VersionExpectations, serialized to a <transaction-id>.intent file
// before it is appended to the Buffer — the transaction's prepare step.
type intent struct {
	nextVersion  uint64
	writes       []*write.Write
	expectations []catomic.VersionExpectation
}

func encodeIntent(in *intent) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, intentMagic[:]...)
	buf = append(buf, byte(intentFormatVersion))
	buf = putBE64(buf, in.nextVersion)

	buf = putBE32(buf, uint32(len(in.writes)))
	for _, w := range in.writes {
		encoded := write.Encode(w)
		buf = putBE32(buf, uint32(len(encoded)))
		buf = append(buf, encoded...)
	}

	buf = putBE32(buf, uint32(len(in.expectations)))
	for _, e := range in.expectations {
		buf = putBE32(buf, uint32(len(e.Resource)))
		buf = append(buf, e.Resource...)
		buf = putBE64(buf, e.Observed)
	}
	return buf
}

func decodeIntent(b []byte) (*intent, error) {
	if len(b) < 5 || [4]byte{b[0], b[1], b[2], b[3]} != intentMagic {
		return nil, &cerrors.CorruptBlock{Reason: "bad intent magic"}
	}
	if b[4] != intentFormatVersion {
		return nil, &cerrors.CorruptBlock{Reason: "unsupported intent format version"}
	}
	rest := b[5:]

	nextVersion, rest, err := takeBE64(rest)
	if err != nil {
		return nil, err
	}

	writeCount, rest, err := takeBE32(rest)
	if err != nil {
		return nil, err
	}
	writes := make([]*write.Write, 0, writeCount)
	for i := uint32(0); i < writeCount; i++ {
		n, r, err := takeBE32(rest)
		if err != nil {
			return nil, err
		}
		rest = r
		if uint64(n) > uint64(len(rest)) {
			return nil, &cerrors.CorruptBlock{Reason: "intent write length exceeds remaining bytes"}
		}
		w, err := write.Decode(rest[:n])
		if err != nil {
			return nil, &cerrors.CorruptBlock{Reason: err.Error()}
		}
		writes = append(writes, w)
		rest = rest[n:]
	}

	expCount, rest, err := takeBE32(rest)
	if err != nil {
		return nil, err
	}
	expectations := make([]catomic.VersionExpectation, 0, expCount)
	for i := uint32(0); i < expCount; i++ {
		n, r, err := takeBE32(rest)
		if err != nil {
			return nil, err
		}
		rest = r
		if uint64(n) > uint64(len(rest)) {
			return nil, &cerrors.CorruptBlock{Reason: "intent resource length exceeds remaining bytes"}
		}
		resource := string(rest[:n])
		rest = rest[n:]

		observed, r2, err := takeBE64(rest)
		if err != nil {
			return nil, err
		}
		rest = r2
		expectations = append(expectations, catomic.VersionExpectation{Resource: resource, Observed: observed})
	}

	return &intent{nextVersion: nextVersion, writes: writes, expectations: expectations}, nil
}

func putBE32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putBE64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func takeBE32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, &cerrors.CorruptBlock{Reason: "truncated intent record"}
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeBE64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, &cerrors.CorruptBlock{Reason: "truncated intent record"}
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}
