package engine

import (
	"time"

	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/database"
)

// Config controls Engine-wide storage and scheduling policy: one struct,
// one DefaultConfig constructor.
type Config struct {
	// BufferRoot and DatabaseRoot are the parent directories under which
	// each environment gets its own subdirectory:
	// <buffer-root>/<env>/..., <db-root>/<env>/....
	BufferRoot   string
	DatabaseRoot string

	BufferConfig   buffer.Config
	DatabaseConfig database.Config

	// TransferInterval is how often the background thread calls
	// Transfer on every open environment (default: 100ms).
	TransferInterval time.Duration

	// TransferMaxBytes bounds a single transfer pass; 0 is unbounded.
	TransferMaxBytes int64

	// WorkerPoolSize sizes the request-handling worker pool that a
	// request-routing layer built on top of AtomicSupport would run;
	// callers can size their own pool from this value. The Engine
	// itself doesn't run a pool — it has no RPC surface.
	WorkerPoolSize int
}

func DefaultConfig() Config {
	return Config{
		BufferRoot:       "data/buffer",
		DatabaseRoot:     "data/db",
		BufferConfig:     buffer.DefaultConfig(),
		DatabaseConfig:   database.DefaultConfig(),
		TransferInterval: 100 * time.Millisecond,
		TransferMaxBytes: 0,
		WorkerPoolSize:   100,
	}
}
