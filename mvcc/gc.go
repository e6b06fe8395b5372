package mvcc

import (
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/velodb/velo/core"
)

// GCResult reports what one garbage collection pass reclaimed.
type GCResult struct {
	VersionsRemoved int
	ChainsRemoved   int
}

// GC removes versions that no current or future snapshot can reach. For each
// chain it keeps the newest version whose creator is in the horizon committed
// set plus everything newer; strictly older versions are superseded for every
// snapshot and are dropped. A chain whose entire history was deleted before
// the horizon is removed from the index.
//
// The horizon is the frozen committed set of the oldest active transaction.
// Committed sets only grow, so a version visible through the oldest snapshot
// is visible through every younger one. With no transactions active, the live
// committed set is the horizon.
//
// GC is single-flight; a call overlapping a running pass returns immediately
// with an empty result.
func (m *Manager) GC() GCResult {
	if !m.gcRunning.CompareAndSwap(false, true) {
		return GCResult{}
	}
	defer m.gcRunning.Store(false)

	m.mu.RLock()

	if m.closed {
		m.mu.RUnlock()

		return GCResult{}
	}

	var horizon *roaring64.Bitmap

	if oldest := oldestSnapshot(m.active); oldest != nil {
		horizon = oldest.Committed
	} else {
		horizon = m.committed.Clone()
	}

	// Versions touched by in-flight transactions are pinned regardless of
	// chain position; their owners still read, commit or roll them back.
	pinned := roaring64.New()
	for id := range m.active {
		pinned.Add(uint64(id))
	}

	m.mu.RUnlock()

	var result GCResult

	m.chains.Range(func(key string, c *chain) bool {
		removed, empty := c.prune(horizon, pinned)
		result.VersionsRemoved += removed

		if empty {
			m.chains.Delete(key)
			result.ChainsRemoved++
		}

		return true
	})

	m.gcRuns.Add(1)
	m.versionsRemoved.Add(uint64(result.VersionsRemoved))

	if result.VersionsRemoved > 0 || result.ChainsRemoved > 0 {
		m.logger.Debug("gc pass",
			slog.Int("versions_removed", result.VersionsRemoved),
			slog.Int("chains_removed", result.ChainsRemoved))
	}

	return result
}

func oldestSnapshot(active map[core.TxnID]*txnState) *Snapshot {
	var oldest *Snapshot

	for _, state := range active {
		if oldest == nil || state.snapshot.TxnID < oldest.TxnID {
			oldest = state.snapshot
		}
	}

	return oldest
}

// prune drops versions superseded at the horizon, keeping anything an
// in-flight transaction created or delete-marked. It reports how many were
// removed and whether the chain is now empty, in which case it is marked dead
// and must be removed from the index by the caller.
func (c *chain) prune(horizon, pinned *roaring64.Bitmap) (removed int, empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return 0, false
	}

	stable := func(txn core.TxnID) bool {
		return txn != core.InvalidTxnID && horizon.Contains(uint64(txn))
	}
	pin := func(v *Version) bool {
		return pinned.Contains(uint64(v.XMin)) ||
			(v.XMax != core.InvalidTxnID && pinned.Contains(uint64(v.XMax)))
	}

	cut := 0

	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if !stable(v.XMin) || pin(v) {
			continue
		}

		if stable(v.XMax) {
			// Deleted before the horizon: nothing at or below this version is
			// reachable anymore.
			cut = i + 1
		} else {
			// Newest version every snapshot can fall back to; older ones are
			// superseded.
			cut = i
		}

		break
	}

	if cut == 0 {
		return 0, false
	}

	kept := make([]*Version, 0, len(c.versions)-cut)

	for i, v := range c.versions {
		if i >= cut || pin(v) {
			kept = append(kept, v)
		} else {
			removed++
		}
	}

	c.versions = kept

	if len(kept) == 0 {
		c.dead = true

		return removed, true
	}

	return removed, false
}
