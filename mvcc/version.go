package mvcc

import (
	"sync"

	"github.com/velodb/velo/core"
)

// Version is one entry in a key's version chain.
type Version struct {
	// Value is the payload written by XMin.
	Value []byte

	// XMin is the transaction that created the version.
	XMin core.TxnID

	// XMax is the transaction that deleted the version via Delete,
	// InvalidTxnID while the version is live.
	XMax core.TxnID
}

// chain holds all versions of one key, oldest first. The slice is guarded by
// its own lock so writers to different keys never contend. A chain emptied by
// garbage collection is marked dead before removal from the index; callers
// that hit a dead chain retry their lookup, which may find a fresh chain
// created by a concurrent writer.
type chain struct {
	mu       sync.RWMutex
	dead     bool
	versions []*Version
}

// newestVisible returns the newest version visible to s, or nil. The newest
// version whose creator the snapshot sees is terminal: a seen delete mark on
// it means the key is absent, never that an older version shines through.
// dead is true when the chain has been reclaimed and the lookup must be
// retried.
func (c *chain) newestVisible(s *Snapshot) (v *Version, dead bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.dead {
		return nil, true
	}

	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if !s.sees(v.XMin) {
			continue
		}

		if s.deleted(v) {
			return nil, false
		}

		return v, false
	}

	return nil, false
}

// append adds a version to the chain. It reports false if the chain has been
// reclaimed and the caller must retry with a fresh chain.
func (c *chain) append(v *Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return false
	}

	c.versions = append(c.versions, v)

	return true
}

// markDeleted stamps txn as the deleter of the newest version visible to s,
// with the same terminal-scan rule as newestVisible: an already deleted
// terminal version means the key is absent, not that an older version can be
// deleted again.
func (c *chain) markDeleted(s *Snapshot, txn core.TxnID) (marked, dead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return false, true
	}

	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if !s.sees(v.XMin) {
			continue
		}

		if s.deleted(v) {
			return false, false
		}

		v.XMax = txn

		return true, false
	}

	return false, false
}

// rollback physically removes every trace of txn from the chain: versions it
// created are dropped, delete stamps it placed are cleared.
func (c *chain) rollback(txn core.TxnID) (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.versions[:0]

	for _, v := range c.versions {
		if v.XMin == txn {
			removed++

			continue
		}

		if v.XMax == txn {
			v.XMax = core.InvalidTxnID
		}

		kept = append(kept, v)
	}

	for i := len(kept); i < len(c.versions); i++ {
		c.versions[i] = nil
	}

	c.versions = kept

	return removed
}

func (c *chain) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.versions)
}
