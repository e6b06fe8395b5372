// Package mvcc implements multi-version concurrency control with snapshot
// isolation. Every write appends a new version to its key's chain instead of
// overwriting; every transaction reads through the frozen snapshot it took at
// begin time. Aborts roll versions back physically, and garbage collection
// reclaims versions no current or future snapshot can reach.
package mvcc

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/zhangyunhao116/skipmap"

	"github.com/velodb/velo/core"
)

// Options contains configuration for the Manager.
type Options struct {
	// Logger receives structured log output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{}
}

type txnState struct {
	snapshot *Snapshot
	writes   map[string]struct{}
}

// Manager coordinates transactions and version chains. All methods are safe
// for concurrent use; writers to different keys do not contend.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	closed    bool
	nextTxnID core.TxnID
	active    map[core.TxnID]*txnState
	committed *roaring64.Bitmap

	chains *skipmap.FuncMap[string, *chain]

	gcRunning       atomic.Bool
	gcRuns          atomic.Uint64
	versionsRemoved atomic.Uint64
}

// NewManager creates an empty manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		logger:    logger,
		nextTxnID: 1,
		active:    make(map[core.TxnID]*txnState),
		committed: roaring64.New(),
		chains:    skipmap.NewFunc[string, *chain](func(a, b string) bool { return a < b }),
	}
}

// Begin starts a transaction and freezes its snapshot: the set of committed
// and in-flight transactions as of this instant. Later commits are invisible
// to it.
func (m *Manager) Begin() (core.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return core.InvalidTxnID, ErrClosed
	}

	id := m.nextTxnID
	m.nextTxnID++

	activeSet := roaring64.New()
	for other := range m.active {
		activeSet.Add(uint64(other))
	}

	m.active[id] = &txnState{
		snapshot: &Snapshot{
			TxnID:     id,
			Active:    activeSet,
			Committed: m.committed.Clone(),
		},
		writes: make(map[string]struct{}),
	}

	return id, nil
}

// Snapshot returns the frozen snapshot of an active transaction.
func (m *Manager) Snapshot(txn core.TxnID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.active[txn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	return state.snapshot, nil
}

func (m *Manager) state(txn core.TxnID) (*txnState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	state, ok := m.active[txn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	return state, nil
}

// Write appends a new version of key owned by txn. The version stays
// invisible to other transactions until txn commits. Writes append
// unconditionally; two transactions writing the same key both succeed and the
// later committer's version ends up newest.
func (m *Manager) Write(txn core.TxnID, key string, value []byte) error {
	state, err := m.state(txn)
	if err != nil {
		return err
	}

	v := &Version{Value: bytes.Clone(value), XMin: txn}

	var c *chain

	for {
		c, _ = m.chains.LoadOrStoreLazy(key, func() *chain { return &chain{} })
		if c.append(v) {
			break
		}
		// The chain was reclaimed between lookup and append; retry against a
		// fresh one.
	}

	// Re-check under the lock: a concurrent Abort may have finished the
	// transaction while the version was being appended. The write set only
	// changes while the transaction is still active, so Abort's rollback
	// sweep sees every registered key.
	m.mu.Lock()
	if _, ok := m.active[txn]; !ok {
		m.mu.Unlock()
		c.rollback(txn)

		return fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	state.writes[key] = struct{}{}
	m.mu.Unlock()

	return nil
}

// Read returns the newest version of key visible to txn's snapshot. Own
// uncommitted writes are visible; everything else must have committed before
// the snapshot was taken.
func (m *Manager) Read(txn core.TxnID, key string) ([]byte, error) {
	state, err := m.state(txn)
	if err != nil {
		return nil, err
	}

	for {
		c, ok := m.chains.Load(key)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}

		v, dead := c.newestVisible(state.snapshot)
		if dead {
			continue
		}

		if v == nil {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}

		return bytes.Clone(v.Value), nil
	}
}

// Delete marks the newest version of key visible to txn as deleted by txn.
// The deletion becomes effective for other transactions only once txn
// commits; aborting clears the mark.
func (m *Manager) Delete(txn core.TxnID, key string) error {
	state, err := m.state(txn)
	if err != nil {
		return err
	}

	for {
		c, ok := m.chains.Load(key)
		if !ok {
			return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}

		marked, dead := c.markDeleted(state.snapshot, txn)
		if dead {
			continue
		}

		if !marked {
			return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}

		// Same re-check as Write: undo the mark if a concurrent Abort won.
		m.mu.Lock()
		if _, ok := m.active[txn]; !ok {
			m.mu.Unlock()
			c.rollback(txn)

			return fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
		}

		state.writes[key] = struct{}{}
		m.mu.Unlock()

		return nil
	}
}

// Commit makes txn's writes visible to transactions that begin after this
// call. It does not touch version chains; visibility flips solely by adding
// txn to the committed set.
func (m *Manager) Commit(txn core.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, ok := m.active[txn]; !ok {
		return fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	m.committed.Add(uint64(txn))
	delete(m.active, txn)

	return nil
}

// Abort rolls txn back physically: versions it created are removed from their
// chains and delete marks it placed are cleared, as if the transaction never
// ran.
func (m *Manager) Abort(txn core.TxnID) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	state, ok := m.active[txn]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %d", ErrTxnNotFound, txn)
	}

	delete(m.active, txn)
	m.mu.Unlock()

	// The write set is frozen from here on: Write and Delete register keys
	// only after confirming, under the lock, that the transaction is still
	// active, and undo their chain mutation otherwise.
	for key := range state.writes {
		if c, ok := m.chains.Load(key); ok {
			c.rollback(txn)
		}
	}

	return nil
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	ActiveTransactions    int
	CommittedTransactions uint64
	NextTxnID             core.TxnID
	Keys                  int
	Versions              int
	GCRuns                uint64
	VersionsRemoved       uint64
}

// Stats returns a snapshot of manager counters. Versions is counted by
// walking all chains and is approximate under concurrent writes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stats := Stats{
		ActiveTransactions:    len(m.active),
		CommittedTransactions: m.committed.GetCardinality(),
		NextTxnID:             m.nextTxnID,
	}
	m.mu.RUnlock()

	m.chains.Range(func(_ string, c *chain) bool {
		if n := c.len(); n > 0 {
			stats.Keys++
			stats.Versions += n
		}

		return true
	})

	stats.GCRuns = m.gcRuns.Load()
	stats.VersionsRemoved = m.versionsRemoved.Load()

	return stats
}

// Close marks the manager closed. In-flight transactions are abandoned
// without rollback; the manager is not usable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}
