// Package engine implements the top-level orchestrator that owns
// every environment's Buffer/Database pair, runs the background transfer
// thread, replays intent files left over from a crash, and exposes the
// one-shot, retry-wrapped convenience surface (add/remove/set/verify/...)
// alongside StartAtomicOperation/StartTransaction for multi-step callers.
// It is one struct owning a named-environment registry plus
// per-environment background goroutines, with Start/Stop lifecycle
// methods; there is no separate Close.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	catomic "github.com/concourse-go/concourse/pkg/atomic"
	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/logging"
	"github.com/concourse-go/concourse/pkg/metrics"
	"github.com/concourse-go/concourse/pkg/predicate"
	"github.com/concourse-go/concourse/pkg/recordset"
	"github.com/concourse-go/concourse/pkg/store"
	"github.com/concourse-go/concourse/pkg/txn"
	"github.com/concourse-go/concourse/pkg/value"
	"github.com/rs/zerolog"
)

// Engine is the top-level storage orchestrator.
type Engine struct {
	cfg Config
	log zerolog.Logger

	mu   sync.RWMutex
	envs map[string]*environment

	clock *versionClock

	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New creates an Engine from cfg. Environments are opened lazily via
// Open; environments come and go, and the engine itself is just the
// registry plus the background machinery.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    logging.WithComponent("engine"),
		envs:   make(map[string]*environment),
		clock:  newVersionClock(0),
		stopCh: make(chan struct{}),
	}
}

// Open brings up the named environment: opens its Database and Buffer,
// seeds VersionIndex from whatever the Buffer recovered, replays any
// leftover transaction intent files, and
// fast-forwards the shared version clock past every version recovery
// implies so a version minted right after Open can never collide with
// recovered history.
func (e *Engine) Open(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.envs[name]; exists {
		return nil
	}

	env, err := openEnvironment(e.cfg, name)
	if err != nil {
		return err
	}

	if lv := env.store.Buffer.LastVersion(); lv > e.clock.Current() {
		e.clock.Set(lv)
	}

	e.envs[name] = env
	e.log.Info().Str("environment", name).Msg("environment opened")
	return nil
}

func (e *Engine) environment(name string) (*environment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	env, ok := e.envs[name]
	if !ok {
		return nil, &cerrors.InvalidArgument{Reason: fmt.Sprintf("unknown environment %q", name)}
	}
	return env, nil
}

// Start launches the background transfer thread for every currently-open
// environment (default 100ms drain cadence). Open never starts a
// transfer thread, so an environment opened after Start gets none;
// callers should Open every environment before Start.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	names := make([]string, 0, len(e.envs))
	for name := range e.envs {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		e.runTransferLoop(name)
	}
	return nil
}

func (e *Engine) runTransferLoop(name string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.TransferInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				env, err := e.environment(name)
				if err != nil {
					return
				}
				n, err := env.store.Transfer(e.cfg.TransferMaxBytes)
				if err != nil {
					e.log.Error().Err(err).Str("environment", name).Msg("transfer failed")
					continue
				}
				if n > 0 {
					metrics.TransfersTotal.WithLabelValues(name).Inc()
					metrics.PagesTransferredTotal.WithLabelValues(name).Add(float64(n))
				}
			}
		}
	}()
}

// Stop signals every background transfer goroutine to exit, waits for
// them, then closes every environment's Buffer and Database.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, env := range e.envs {
		if err := env.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing environment %q: %w", name, err)
		}
	}
	return firstErr
}

// MintVersion implements mintVersion(): reserve a single fresh version
// from the shared clock without going through an AtomicOperation.
func (e *Engine) MintVersion() uint64 {
	return e.clock.Next(1)
}

// StartAtomicOperation implements startAtomicOperation(environment).
func (e *Engine) StartAtomicOperation(name string) (*catomic.AtomicOperation, error) {
	env, err := e.environment(name)
	if err != nil {
		return nil, err
	}
	return catomic.New(env.store, env.locks, env.ranges, e.clock.Next(1)), nil
}

// CommitOperation reserves as many versions as op has buffered and
// commits it, the same sequencing pkg/atomic.SupplyWithRetry uses
// internally, exposed here for callers holding an operation obtained via
// StartAtomicOperation rather than ExecuteWithRetry/SupplyWithRetry.
func (e *Engine) CommitOperation(op *catomic.AtomicOperation) (int, error) {
	var first uint64
	if n := op.PendingVersions(); n > 0 {
		first = e.clock.Next(n)
	}
	return op.Commit(first)
}

// StartTransaction implements startTransaction(environment, session).
func (e *Engine) StartTransaction(name, session string) (*txn.Transaction, error) {
	env, err := e.environment(name)
	if err != nil {
		return nil, err
	}
	return txn.Begin(env.txnDir, session, env.store, env.locks, env.ranges, e.clock.Next(1))
}

// CommitTransaction reserves as many versions as tx has buffered and
// commits it, mirroring CommitOperation.
func (e *Engine) CommitTransaction(tx *txn.Transaction) (int, error) {
	var first uint64
	if n := tx.PendingVersions(); n > 0 {
		first = e.clock.Next(n)
	}
	return tx.Commit(first)
}

// --- one-shot, retry-wrapped convenience surface ---
// Each call opens a fresh AtomicOperation via ExecuteWithRetry/
// SupplyWithRetry, performs exactly one logical operation, and commits,
// retrying the whole thing if an intervening write invalidates a
// VersionExpectation.

func (e *Engine) withRetry(ctx context.Context, name string, f func(op *catomic.AtomicOperation) error) error {
	env, err := e.environment(name)
	if err != nil {
		return err
	}
	return catomic.ExecuteWithRetry(ctx, env.store, env.locks, env.ranges, e.clock, f)
}

func supplyWithRetry[T any](ctx context.Context, e *Engine, name string, f func(op *catomic.AtomicOperation) (T, error)) (T, error) {
	var zero T
	env, err := e.environment(name)
	if err != nil {
		return zero, err
	}
	return catomic.SupplyWithRetry(ctx, env.store, env.locks, env.ranges, e.clock, f)
}

// Add implements add(key, value, record): the returned bool is false,
// with no error and nothing written, when value was already live on
// (key, record).
func (e *Engine) Add(ctx context.Context, env string, key string, v value.Value, record uint64) (bool, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (bool, error) {
		return op.Add(ctx, key, v, record)
	})
}

// Remove implements remove(key, value, record): the returned bool is
// false, with no error and nothing written, when value was not live on
// (key, record).
func (e *Engine) Remove(ctx context.Context, env string, key string, v value.Value, record uint64) (bool, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (bool, error) {
		return op.Remove(ctx, key, v, record)
	})
}

// Set implements set(key, value, record).
func (e *Engine) Set(ctx context.Context, env string, key string, v value.Value, record uint64) error {
	return e.withRetry(ctx, env, func(op *catomic.AtomicOperation) error {
		return op.Set(ctx, key, v, record)
	})
}

// Verify implements verify(key, value, record [,t]).
func (e *Engine) Verify(ctx context.Context, env string, key string, v value.Value, record uint64, t uint64) (bool, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (bool, error) {
		return op.Verify(ctx, key, v, record, t)
	})
}

// Select implements select(key, record [,t]).
func (e *Engine) Select(ctx context.Context, env string, key string, record uint64, t uint64) ([]value.Value, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) ([]value.Value, error) {
		return op.Select(ctx, key, record, t)
	})
}

// SelectRecord implements select(record [,t]).
func (e *Engine) SelectRecord(ctx context.Context, env string, record uint64, t uint64) (map[string][]value.Value, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (map[string][]value.Value, error) {
		return op.SelectRecord(ctx, record, t)
	})
}

// Describe implements describe(record [,t]).
func (e *Engine) Describe(ctx context.Context, env string, record uint64, t uint64) ([]string, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) ([]string, error) {
		return op.RecordKeys(ctx, record, t)
	})
}

// Browse implements browse(key [,t]).
func (e *Engine) Browse(ctx context.Context, env string, key string, t uint64) ([]store.ValueRecords, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) ([]store.ValueRecords, error) {
		return op.Browse(ctx, key, t)
	})
}

// Find implements find(key, operator, values... [,t]).
func (e *Engine) Find(ctx context.Context, env string, key string, cond *predicate.Condition, t uint64) (*recordset.Set, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (*recordset.Set, error) {
		return op.Find(ctx, key, cond, t)
	})
}

// Search implements search(key, query).
func (e *Engine) Search(ctx context.Context, env string, key, query string) (*recordset.Set, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (*recordset.Set, error) {
		return op.Search(ctx, key, query)
	})
}

// GetAllRecords implements getAllRecords().
func (e *Engine) GetAllRecords(ctx context.Context, env string) (*recordset.Set, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) (*recordset.Set, error) {
		return op.GetAllRecords(ctx)
	})
}

// Review implements audit/review(record [,key]).
func (e *Engine) Review(ctx context.Context, env string, record uint64, key string) ([]store.AuditEntry, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) ([]store.AuditEntry, error) {
		return op.Review(ctx, record, key)
	})
}

// Chronologize implements chronologize(key, record, start, end).
func (e *Engine) Chronologize(ctx context.Context, env string, key string, record uint64, start, end uint64) ([]store.ChronologizeEntry, error) {
	return supplyWithRetry(ctx, e, env, func(op *catomic.AtomicOperation) ([]store.ChronologizeEntry, error) {
		return op.Chronologize(ctx, key, record, start, end)
	})
}

// ConsolidateRecords merges fromRecord into toRecord: every value on
// fromRecord is moved to toRecord (removed from fromRecord, added to
// toRecord under the same key), and every link elsewhere that
// points at fromRecord is repointed to toRecord. It runs as a single
// AtomicOperation so the merge is all-or-nothing: one operation rather
// than a sequence of independently-committed steps.
//
// There is no global reverse-link index in this store — only per-key
// browse/find — so candidateKeys names the keys ConsolidateRecords should
// scan with a LinksTo predicate to discover incoming references. A real
// deployment's request-routing layer (out of scope here) would supply or
// cache this list from its own schema knowledge; callers here must pass
// it explicitly.
func (e *Engine) ConsolidateRecords(ctx context.Context, env string, fromRecord, toRecord uint64, candidateKeys []string) error {
	if fromRecord == toRecord {
		return &cerrors.InvalidArgument{Reason: "fromRecord and toRecord must differ"}
	}

	return e.withRetry(ctx, env, func(op *catomic.AtomicOperation) error {
		keyed, err := op.SelectRecord(ctx, fromRecord, store.Now)
		if err != nil {
			return err
		}
		for key, values := range keyed {
			for _, v := range values {
				if _, err := op.Remove(ctx, key, v, fromRecord); err != nil {
					return err
				}
				if _, err := op.Add(ctx, key, v, toRecord); err != nil {
					return err
				}
			}
		}

		fromLink := value.Link(fromRecord)
		cond := predicate.NewLinksTo(fromLink)
		for _, key := range candidateKeys {
			matches, err := op.Find(ctx, key, cond, store.Now)
			if err != nil {
				return err
			}
			for _, rec := range matches.ToSlice() {
				if _, err := op.Remove(ctx, key, fromLink, rec); err != nil {
					return err
				}
				if _, err := op.Add(ctx, key, value.Link(toRecord), rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stats reports a snapshot of one environment's runtime state, backing
// the status subcommand.
type Stats struct {
	Environment    string
	CurrentVersion uint64
}

func (e *Engine) Stats(name string) (Stats, error) {
	if _, err := e.environment(name); err != nil {
		return Stats{}, err
	}
	return Stats{Environment: name, CurrentVersion: e.clock.Current()}, nil
}
