package engine

import (
	"path/filepath"

	"github.com/concourse-go/concourse/pkg/buffer"
	"github.com/concourse-go/concourse/pkg/database"
	"github.com/concourse-go/concourse/pkg/lock"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/txn"
)

// environment is one named, isolated namespace: its own Buffer,
// Database, lock services, and intent-file directory.
type environment struct {
	name string

	store  *store.Store
	locks  *lock.LockService
	ranges *lock.RangeLockService

	bufferDir string
	txnDir    string
}

func openEnvironment(cfg Config, name string) (*environment, error) {
	bufferDir := filepath.Join(cfg.BufferRoot, name)
	dbDir := filepath.Join(cfg.DatabaseRoot, name)

	db, err := database.Open(dbDir, cfg.DatabaseConfig)
	if err != nil {
		return nil, err
	}

	buf, err := buffer.Open(bufferDir, cfg.BufferConfig, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := store.New(buf, db)
	st.SeedVersions(buf.AllWrites())

	env := &environment{
		name:      name,
		store:     st,
		locks:     lock.NewLockService(),
		ranges:    lock.NewRangeLockService(),
		bufferDir: bufferDir,
		txnDir:    filepath.Join(bufferDir, "txn"),
	}

	if _, _, err := txn.RecoverIntents(env.txnDir, st); err != nil {
		_ = st.Close()
		return nil, err
	}

	return env, nil
}

func (e *environment) close() error {
	return e.store.Close()
}
