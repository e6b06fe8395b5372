// Package velo is an embedded transactional key/value core. Writes go through
// a write-ahead log for durability and a multi-version store for snapshot
// isolation, with a strict ordering between the two: a transaction's commit
// record is flushed and synced before its writes become visible to anyone
// else. Commit is the only entry point for committing; there is no way to
// flip visibility without the log sync having succeeded first.
package velo

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/kvstate"
	"github.com/velodb/velo/mvcc"
	"github.com/velodb/velo/wal"
)

// RecoveryInfo summarizes what opening the database recovered from the log.
type RecoveryInfo struct {
	// HighestLSN is the highest valid LSN found.
	HighestLSN core.LSN

	// RecoveredTxns is the number of committed transactions replayed into
	// applied state.
	RecoveredTxns int

	// DiscardedTxns lists transactions that were in flight at crash time;
	// their effects were discarded.
	DiscardedTxns []core.TxnID
}

type txnBuffer struct {
	ops []kvstate.Op
}

// DB is the transaction coordinator tying the log, the version store and the
// applied-state store together. All methods are safe for concurrent use.
type DB struct {
	opts      options
	logger    *Logger
	wal       *wal.WAL
	versions  *mvcc.Manager
	store     kvstate.Store
	namespace string
	recovery  RecoveryInfo

	mu         sync.Mutex
	closed     bool
	applyDirty bool
	txns       map[core.TxnID]*txnBuffer

	cancelGC context.CancelFunc
	gcGroup  *errgroup.Group
}

// Open opens the database rooted at dir, replaying the log: committed
// transactions are applied to the state store, in-flight ones are discarded.
// The write-ahead log lives under dir/wal.
func Open(dir string, optFns ...Option) (*DB, error) {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	store := opts.store
	if store == nil {
		store = kvstate.NewMemory()
	}

	logger := opts.logger

	w, err := wal.Open(path.Join(dir, "wal"), func(o *wal.Options) {
		o.FS = opts.fsys
		o.Clock = opts.clk
		o.Logger = logger.Logger

		for _, fn := range opts.walOptions {
			fn(o)
		}
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:      opts,
		logger:    logger,
		wal:       w,
		store:     store,
		namespace: opts.namespace,
		txns:      make(map[core.TxnID]*txnBuffer),
	}

	if err := db.replay(); err != nil {
		w.Close()

		return nil, err
	}

	db.versions = mvcc.NewManager(func(o *mvcc.Options) {
		o.Logger = logger.Logger
	})

	if err := db.seedVersions(); err != nil {
		w.Close()

		return nil, err
	}

	if opts.gcInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		g, ctx := errgroup.WithContext(ctx)

		db.cancelGC = cancel
		db.gcGroup = g

		limiter := rate.NewLimiter(rate.Every(opts.gcInterval), 1)

		g.Go(func() error {
			for {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}

				db.versions.GC()
			}
		})
	}

	return db, nil
}

// replay rebuilds applied state from the log. Operations are buffered per
// transaction and applied atomically when the commit marker is reached;
// transactions whose commit sits at or below the checkpoint were already in
// applied state when the checkpoint was taken and are skipped.
func (db *DB) replay() error {
	pending := make(map[core.TxnID][]kvstate.Op)

	result, err := db.wal.Recover(func(e wal.Entry) error {
		switch e.Record.Kind {
		case wal.KindBegin:
			pending[e.TxnID] = nil
		case wal.KindInsert, wal.KindUpdate:
			pending[e.TxnID] = append(pending[e.TxnID], kvstate.Put(e.Record.Key, e.Record.Value))
		case wal.KindDelete:
			pending[e.TxnID] = append(pending[e.TxnID], kvstate.Delete(e.Record.Key))
		case wal.KindCommit:
			ops := pending[e.TxnID]
			delete(pending, e.TxnID)

			if e.LSN <= db.wal.CheckpointLSN() {
				return nil
			}

			if err := db.store.Apply(ops); err != nil {
				return fmt.Errorf("apply recovered transaction %d: %w", e.TxnID, err)
			}

			db.recovery.RecoveredTxns++
		case wal.KindAbort:
			delete(pending, e.TxnID)
		}

		return nil
	})
	if err != nil {
		return translateError(err)
	}

	db.recovery.HighestLSN = result.HighestLSN
	db.recovery.DiscardedTxns = result.InFlight

	if len(result.InFlight) > 0 {
		db.logger.Warn("discarded in-flight transactions",
			slog.Int("count", len(result.InFlight)))
	}

	return nil
}

// seedVersions loads applied state into the version store as one committed
// bootstrap transaction, so snapshots taken from now on see recovered data.
func (db *DB) seedVersions() error {
	boot, err := db.versions.Begin()
	if err != nil {
		return err
	}

	err = db.store.Range(func(key, value []byte) error {
		return db.versions.Write(boot, string(key), value)
	})
	if err != nil {
		db.versions.Abort(boot)

		return err
	}

	return db.versions.Commit(boot)
}

// Recovery reports what the last Open recovered.
func (db *DB) Recovery() RecoveryInfo { return db.recovery }

func (db *DB) buffer(txn core.TxnID) (*txnBuffer, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	buf, ok := db.txns[txn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	return buf, nil
}

// Begin starts a transaction. Its snapshot is frozen now; commits by other
// transactions after this point stay invisible to it.
func (db *DB) Begin(ctx context.Context) (core.TxnID, error) {
	if err := ctx.Err(); err != nil {
		return core.InvalidTxnID, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()

		return core.InvalidTxnID, ErrClosed
	}
	db.mu.Unlock()

	txn, err := db.versions.Begin()
	if err != nil {
		return core.InvalidTxnID, translateError(err)
	}

	if _, err := db.wal.BeginTransaction(txn); err != nil {
		db.versions.Abort(txn)

		return core.InvalidTxnID, translateError(err)
	}

	db.mu.Lock()
	db.txns[txn] = &txnBuffer{}
	db.mu.Unlock()

	return txn, nil
}

// Write stages a key/value write in txn. The operation is logged before the
// version store is touched; it stays invisible to others until Commit.
func (db *DB) Write(ctx context.Context, txn core.TxnID, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := db.buffer(txn)
	if err != nil {
		return err
	}

	keyBytes := []byte(key)
	rec := wal.NewInsert(db.namespace, keyBytes, value)

	if old, err := db.versions.Read(txn, key); err == nil {
		rec = wal.NewUpdate(db.namespace, keyBytes, old, value)
	}

	if _, err := db.wal.LogOperation(txn, rec); err != nil {
		return translateError(err)
	}

	if err := db.versions.Write(txn, key, value); err != nil {
		return translateError(err)
	}

	db.mu.Lock()
	buf.ops = append(buf.ops, kvstate.Put(keyBytes, value))
	db.mu.Unlock()

	return nil
}

// Read returns the newest value of key visible to txn's snapshot.
func (db *DB) Read(ctx context.Context, txn core.TxnID, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := db.versions.Read(txn, key)
	if err != nil {
		return nil, translateError(err)
	}

	return value, nil
}

// Delete stages a deletion of key in txn. The previous value is recorded in
// the log for undo tooling.
func (db *DB) Delete(ctx context.Context, txn core.TxnID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := db.buffer(txn)
	if err != nil {
		return err
	}

	old, err := db.versions.Read(txn, key)
	if err != nil {
		return translateError(err)
	}

	keyBytes := []byte(key)

	if _, err := db.wal.LogOperation(txn, wal.NewDelete(db.namespace, keyBytes, old)); err != nil {
		return translateError(err)
	}

	if err := db.versions.Delete(txn, key); err != nil {
		return translateError(err)
	}

	db.mu.Lock()
	buf.ops = append(buf.ops, kvstate.Delete(keyBytes))
	db.mu.Unlock()

	return nil
}

// Commit makes txn durable and visible, in that order. The commit record is
// flushed and synced first; only after the log reports durability do the
// transaction's writes become visible to new snapshots and land in applied
// state. If the log sync fails, the transaction is rolled back and
// ErrCommitFailed is returned: none of its writes will ever be observed.
func (db *DB) Commit(ctx context.Context, txn core.TxnID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := db.buffer(txn)
	if err != nil {
		return err
	}

	lsn, err := db.wal.CommitTransaction(txn)
	if err != nil {
		db.versions.Abort(txn)

		db.mu.Lock()
		delete(db.txns, txn)
		db.mu.Unlock()

		return &ErrCommitFailed{TxnID: txn, cause: err}
	}

	// Durability established; visibility may flip now.
	if err := db.versions.Commit(txn); err != nil {
		return translateError(err)
	}

	db.mu.Lock()
	delete(db.txns, txn)
	db.mu.Unlock()

	if err := db.store.Apply(buf.ops); err != nil {
		// The log has the transaction; applied state is rebuilt from it on
		// restart. Checkpoints are blocked until then.
		db.mu.Lock()
		db.applyDirty = true
		db.mu.Unlock()

		db.logger.Error("apply to state store failed",
			slog.Uint64("txn", uint64(txn)), slog.Any("error", err))
	}

	db.logger.WithTxn(txn).WithLSN(lsn).Debug("committed")

	return nil
}

// Abort rolls txn back. Version chains are restored as if the transaction
// never ran; the abort marker is forced to the log so recovery sees an
// unambiguous outcome.
func (db *DB) Abort(ctx context.Context, txn core.TxnID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := db.buffer(txn); err != nil {
		return err
	}

	_, walErr := db.wal.AbortTransaction(txn)

	if err := db.versions.Abort(txn); err != nil {
		return translateError(err)
	}

	db.mu.Lock()
	delete(db.txns, txn)
	db.mu.Unlock()

	if walErr != nil {
		// The in-memory rollback happened; recovery discards the transaction
		// either way since no commit marker exists.
		return translateError(walErr)
	}

	return nil
}

// Checkpoint syncs applied state and records a checkpoint in the log,
// allowing old segments to be pruned. It requires a durable state store:
// pruning on the strength of an in-memory store would destroy the only copy
// of old transactions. It also fails while a state store apply failure is
// outstanding, since the checkpoint would declare state durable that never
// landed.
func (db *DB) Checkpoint(ctx context.Context) (core.LSN, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if !db.store.Durable() {
		return 0, fmt.Errorf("checkpoint requires a durable state store")
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()

		return 0, ErrClosed
	}

	if db.applyDirty {
		db.mu.Unlock()

		return 0, fmt.Errorf("checkpoint refused: state store behind the log")
	}
	db.mu.Unlock()

	if err := db.store.Sync(); err != nil {
		return 0, err
	}

	lsn, err := db.wal.Checkpoint()
	if err != nil {
		return 0, translateError(err)
	}

	return lsn, nil
}

// GC triggers a version garbage collection pass immediately, independent of
// the background schedule.
func (db *DB) GC() mvcc.GCResult { return db.versions.GC() }

// Stats combines subsystem counters.
type Stats struct {
	WAL  wal.Stats
	MVCC mvcc.Stats
}

// Stats returns a snapshot of log and version store counters.
func (db *DB) Stats() Stats {
	return Stats{
		WAL:  db.wal.Stats(),
		MVCC: db.versions.Stats(),
	}
}

// Close stops background collection and closes the log and the state store.
// In-flight transactions are discarded, exactly as a crash would.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()

		return nil
	}

	db.closed = true
	db.mu.Unlock()

	if db.cancelGC != nil {
		db.cancelGC()
		db.gcGroup.Wait()
	}

	err := db.wal.Close()

	db.versions.Close()

	if storeErr := db.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}

	return err
}
