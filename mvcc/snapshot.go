package mvcc

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/velodb/velo/core"
)

// Snapshot is a transaction's frozen view of the world, taken at begin time
// and never updated afterwards. Transactions that commit while this snapshot
// is live stay invisible to it.
type Snapshot struct {
	// TxnID is the owning transaction.
	TxnID core.TxnID

	// Active holds the transactions that were in flight when the snapshot was
	// taken.
	Active *roaring64.Bitmap

	// Committed holds the transactions that had committed when the snapshot
	// was taken.
	Committed *roaring64.Bitmap
}

// sees reports whether writes of txn are visible to the snapshot: either the
// snapshot's own transaction, or one that committed before the snapshot was
// taken.
func (s *Snapshot) sees(txn core.TxnID) bool {
	if txn == s.TxnID {
		return true
	}

	return txn != core.InvalidTxnID && s.Committed.Contains(uint64(txn))
}

// deleted reports whether the snapshot sees the version's delete mark.
func (s *Snapshot) deleted(v *Version) bool {
	return v.XMax != core.InvalidTxnID && s.sees(v.XMax)
}
