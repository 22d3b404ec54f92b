// Package database implements the Database: the durable, indexed
// archive of every Write the Buffer has transferred, organized as
// three block kinds per epoch (Primary, Secondary, Search). This repo
// backs each
// kind with its own github.com/cockroachdb/pebble instance instead of
// hand-rolled sorted block files plus a sparse .idx index — Pebble's LSM
// tree already gives sorted, durable, compacted storage with its own
// bloom-filtered block index, which is exactly what a hand-rolled
// block+index pair would otherwise have to provide. See DESIGN.md for
// the exact epoch/file mapping this resolves.
package database

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/natefinch/atomic"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/tokenize"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/concourse-go/concourse/pkg/write"
)

// Config controls the Database's storage and compression policy.
type Config struct {
	// CompressionLevel is the zstd level applied to each stored Write's
	// payload before it is committed to Pebble (compressing the durable
	// representation is fine, the only requirement is
	// decode(encode(w)) = w for the logical Write, which still holds
	// after a compress/decompress round trip).
	CompressionLevel int
}

func DefaultConfig() Config {
	return Config{CompressionLevel: 3}
}

const metaEpochKey = "epoch"

// Store is the Database: three Pebble-backed block stores (Primary,
// Secondary, Search) plus a small metadata store tracking the last
// completed transfer epoch, all rooted at one environment directory.
type Store struct {
	mu sync.Mutex

	dir string
	cfg Config

	primary   *pebble.DB
	secondary *pebble.DB
	search    *pebble.DB
	meta      *pebble.DB

	lastEpoch uint64
}

// Open recovers (or creates) the block stores rooted at dir. A leftover
// transfer.tmp marker from a crashed Ingest is deleted and nothing else
// is done with it: the marker holds a fixed word and names no pages.
// The Buffer deletes its page files only after Ingest returns, so pages
// whose Ingest did not finish are still on disk and a later Transfer
// hands them over again.
func Open(dir string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	primary, err := pebble.Open(filepath.Join(dir, "primary"), &pebble.Options{
		Levels: []pebble.LevelOptions{{FilterPolicy: bloom.FilterPolicy(10)}},
	})
	if err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	secondary, err := pebble.Open(filepath.Join(dir, "secondary"), &pebble.Options{})
	if err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	search, err := pebble.Open(filepath.Join(dir, "search"), &pebble.Options{})
	if err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}
	meta, err := pebble.Open(filepath.Join(dir, "meta"), &pebble.Options{})
	if err != nil {
		return nil, &cerrors.IoFailure{Err: err}
	}

	s := &Store{dir: dir, cfg: cfg, primary: primary, secondary: secondary, search: search, meta: meta}

	epoch, err := s.readEpoch()
	if err != nil {
		return nil, err
	}
	s.lastEpoch = epoch

	markerPath := filepath.Join(dir, "transfer.tmp")
	if _, err := os.Stat(markerPath); err == nil {
		if err := os.Remove(markerPath); err != nil {
			return nil, &cerrors.IoFailure{Err: err}
		}
	}

	return s, nil
}

func (s *Store) readEpoch() (uint64, error) {
	v, closer, err := s.meta.Get([]byte(metaEpochKey))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &cerrors.IoFailure{Err: err}
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), nil
}

// Ingest is the transfer policy's landing point: it is the
// buffer.Ingester the Buffer's background transfer thread hands sealed
// pages' Writes to. Writes are committed Search, then Secondary, then
// Primary+epoch-bump — reversing this order would let a reader observe
// a Write in Primary before it is findable by value or token, which
// isn't acceptable, since all three blocks describe the same
// transferred set.
func (s *Store) Ingest(writes []*write.Write) error {
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	markerPath := filepath.Join(s.dir, "transfer.tmp")
	if err := atomic.WriteFile(markerPath, bytes.NewReader([]byte("transfer"))); err != nil {
		return &cerrors.IoFailure{Err: err}
	}

	searchBatch := s.search.NewBatch()
	secondaryBatch := s.secondary.NewBatch()
	primaryBatch := s.primary.NewBatch()

	for _, w := range writes {
		raw := write.Encode(w)
		payload, err := zstd.CompressLevel(nil, raw, s.cfg.CompressionLevel)
		if err != nil {
			return &cerrors.IoFailure{Err: err}
		}

		if err := primaryBatch.Set(primaryKey(w.Record, w.Key, w.Version), payload, nil); err != nil {
			return &cerrors.IoFailure{Err: err}
		}
		if err := secondaryBatch.Set(secondaryKey(w.Key, w.Value, w.Record, w.Version), payload, nil); err != nil {
			return &cerrors.IoFailure{Err: err}
		}
		if err := indexSearchTokens(searchBatch, w); err != nil {
			return &cerrors.IoFailure{Err: err}
		}
	}

	if err := searchBatch.Commit(pebble.Sync); err != nil {
		return &cerrors.IoFailure{Err: err}
	}
	if err := secondaryBatch.Commit(pebble.Sync); err != nil {
		return &cerrors.IoFailure{Err: err}
	}

	if err := primaryBatch.Commit(pebble.Sync); err != nil {
		return &cerrors.IoFailure{Err: err}
	}

	epoch := s.lastEpoch + 1
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], epoch)
	if err := s.meta.Set([]byte(metaEpochKey), epochBuf[:], pebble.Sync); err != nil {
		return &cerrors.IoFailure{Err: err}
	}
	s.lastEpoch = epoch

	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		return &cerrors.IoFailure{Err: err}
	}
	return nil
}

func indexSearchTokens(batch *pebble.Batch, w *write.Write) error {
	s, ok := w.Value.(value.String)
	if !ok {
		return nil
	}
	for pos, tok := range tokenize.Tokens(string(s)) {
		if err := batch.Set(searchKey(w.Key, tok, pos, w.Record, w.Version), []byte{byte(w.Op)}, nil); err != nil {
			return err
		}
	}
	return nil
}

// Epoch reports the last completed transfer's epoch number (0 if none
// have completed yet).
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpoch
}

// Close closes all four underlying Pebble instances.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range []*pebble.DB{s.primary, s.secondary, s.search, s.meta} {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return &cerrors.IoFailure{Err: firstErr}
	}
	return nil
}

func (s *Store) decodePayload(compressed []byte) (*write.Write, error) {
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, &cerrors.CorruptBlock{Path: s.dir, Reason: err.Error()}
	}
	w, err := write.Decode(raw)
	if err != nil {
		return nil, &cerrors.CorruptBlock{Path: s.dir, Reason: err.Error()}
	}
	return w, nil
}
