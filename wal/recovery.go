package wal

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/velodb/velo/core"
)

// RecoveryResult summarizes one pass over the log.
type RecoveryResult struct {
	// HighestLSN is the highest valid LSN found in the log.
	HighestLSN core.LSN

	// CheckpointLSN is the checkpoint in effect for this pass. Transactions
	// whose commit is at or below it are already reflected in applied state.
	CheckpointLSN core.LSN

	// Applied is the number of entries handed to the apply callback.
	Applied int

	// InFlight lists transactions with a begin marker but no commit or abort,
	// in ascending ID order. Their effects must be discarded by the caller.
	InFlight []core.TxnID
}

// Recover replays every retained entry in LSN order. Scanning stops silently
// at the first invalid or short frame, which is treated as the natural end of
// the log. Recover is idempotent over an unchanged log and must run before
// new entries are appended.
//
// The callback sees all record kinds, including entries below the checkpoint:
// segment pruning keeps a segment alive as long as any transaction spanning
// the checkpoint needs it, so a transaction that committed after the
// checkpoint replays in full. Callers decide what to keep, typically by
// buffering per transaction and applying batches whose commit LSN is above
// RecoveryResult.CheckpointLSN; the InFlight list identifies transactions
// whose outcome is unknown and whose effects must be discarded.
func (w *WAL) Recover(apply func(Entry) error) (RecoveryResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return RecoveryResult{}, ErrClosed
	}

	if len(w.pending) > 0 {
		return RecoveryResult{}, fmt.Errorf("wal: recover with unflushed entries")
	}

	result := RecoveryResult{CheckpointLSN: core.LSN(w.checkpointLSN.Load())}
	inFlight := make(map[core.TxnID]struct{})

	segments := make([]*segment, 0, len(w.sealed)+1)
	segments = append(segments, w.sealed...)

	if w.active != nil {
		segments = append(segments, w.active)
	}

	var (
		lastLSN core.LSN
		stopped bool
	)

	for _, seg := range segments {
		if stopped {
			break
		}

		res, err := scanSegment(w.fsys, seg, w.opts.Checksum, func(e Entry) error {
			if e.LSN <= lastLSN {
				return fmt.Errorf("%w: LSN %d after %d", ErrCorruptedRecord, e.LSN, lastLSN)
			}

			lastLSN = e.LSN
			result.HighestLSN = e.LSN

			switch e.Record.Kind {
			case KindBegin:
				inFlight[e.TxnID] = struct{}{}
			case KindCommit, KindAbort:
				delete(inFlight, e.TxnID)
			}

			if apply != nil {
				if err := apply(e); err != nil {
					return fmt.Errorf("wal: apply entry %d: %w", e.LSN, err)
				}
			}

			result.Applied++

			return nil
		})
		if err != nil {
			return RecoveryResult{}, err
		}

		if !res.clean {
			stopped = true
		}
	}

	for txnID := range inFlight {
		result.InFlight = append(result.InFlight, txnID)
	}

	sort.Slice(result.InFlight, func(i, j int) bool { return result.InFlight[i] < result.InFlight[j] })

	w.logger.Info("recovery complete",
		slog.Uint64("highest_lsn", uint64(result.HighestLSN)),
		slog.Int("applied", result.Applied),
		slog.Int("in_flight", len(result.InFlight)))

	return result, nil
}
