// Package pagefile implements the durable, checksummed, append-only
// page file that backs pkg/buffer: a file-level header (magic, version,
// CRC32 Castagnoli, sync policy, sync.Pool-backed buffer reuse,
// group-commit ticker) plus a sequence of entries, each framing one
// write.Write. A Buffer page isn't a generic log of heterogeneous
// operations — it is specifically a sealed, ordered sequence of Writes.
package pagefile

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"
)

// FileMagic identifies a page file at the format level; FileVersion
// allows the on-disk layout to evolve without breaking recovery of
// older files outright (recovery can refuse unknown versions instead of
// misreading them).
const (
	FileMagic   uint32 = 0xC0A1E000
	FileVersion uint8  = 1

	// FileHeaderSize is the fixed file-level header:
	// magic(4) | version(1) | flags(1) | count(8).
	FileHeaderSize = 4 + 1 + 1 + 8

	// entryHeaderSize is the per-Write framing: length(4) | crc32(4).
	entryHeaderSize = 4 + 4
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// FileHeader is the fixed header every page file starts with.
type FileHeader struct {
	Version uint8
	Flags   uint8
	Count   uint64
}

func (h FileHeader) Encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], FileMagic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint64(buf[6:14], h.Count)
	return buf
}

// DecodeFileHeader validates the magic number and returns the header.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return FileHeader{}, io.ErrUnexpectedEOF
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != FileMagic {
		return FileHeader{}, errBadMagic
	}
	return FileHeader{
		Version: buf[4],
		Flags:   buf[5],
		Count:   binary.BigEndian.Uint64(buf[6:14]),
	}, nil
}

var errBadMagic = &magicError{}

type magicError struct{}

func (*magicError) Error() string { return "pagefile: bad magic number" }

// EncodeEntry frames a single Write's already-encoded bytes with a
// length prefix and CRC32 Castagnoli checksum, appending to dst.
func EncodeEntry(dst []byte, writeBytes []byte) []byte {
	dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0) // reserve header space
	start := len(dst) - entryHeaderSize
	binary.BigEndian.PutUint32(dst[start:start+4], uint32(len(writeBytes)))
	binary.BigEndian.PutUint32(dst[start+4:start+8], checksum(writeBytes))
	return append(dst, writeBytes...)
}

// DecodeEntry reads one framed entry from the front of b, returning the
// inner write.Encode bytes, the total bytes consumed, and whether the
// entry was complete and valid. ok=false (an incomplete entry or a
// checksum mismatch) means "truncated: stop reading here" — the recovery behavior
// required for a page whose trailing bytes do not form a complete
// Write: treat it as truncated at the last complete boundary.
func DecodeEntry(b []byte) (payload []byte, consumed int, ok bool) {
	if len(b) < entryHeaderSize {
		return nil, 0, false
	}
	length := binary.BigEndian.Uint32(b[0:4])
	crc := binary.BigEndian.Uint32(b[4:8])
	total := entryHeaderSize + int(length)
	if len(b) < total {
		return nil, 0, false
	}
	payload = b[entryHeaderSize:total]
	if checksum(payload) != crc {
		return nil, 0, false
	}
	return payload, total, true
}

// SyncPolicy controls when Writer calls fsync.
type SyncPolicy int

const (
	SyncEveryWrite SyncPolicy = iota
	SyncInterval
	SyncBatch
)

// Options configures a Writer.
type Options struct {
	BufferSize           int
	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
}

func DefaultOptions() Options {
	return Options{
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 10 * time.Millisecond, // group-commit default
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
