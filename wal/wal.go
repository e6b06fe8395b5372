// Package wal implements a durable write-ahead log with checksummed entries,
// monotonically increasing log sequence numbers and size-based segment
// rotation. Entries are buffered in memory and flushed either when the buffer
// grows past a threshold or immediately when a transaction boundary marker is
// written. Every flush ends in a sync, so the flushed-LSN watermark only moves
// once bytes are durable.
package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"

	"github.com/velodb/velo/clock"
	"github.com/velodb/velo/core"
	"github.com/velodb/velo/fs"
)

type pendingFrame struct {
	lsn core.LSN
	buf []byte
}

// WAL is the write-ahead logger. All methods are safe for concurrent use.
type WAL struct {
	dir    string
	opts   Options
	fsys   fs.FileSystem
	logger *slog.Logger

	mu           sync.Mutex
	closed       bool
	failed       error
	nextLSN      core.LSN
	prevLSN      core.LSN
	pending      []pendingFrame
	pendingBytes int
	sealed       []*segment
	active       *segment
	activeTxns   map[core.TxnID]core.LSN // begin LSN per in-flight transaction

	flushedLSN    atomic.Uint64
	checkpointLSN atomic.Uint64

	entries      atomic.Uint64
	bytesWritten atomic.Uint64
	flushes      atomic.Uint64
	syncs        atomic.Uint64
	rotations    atomic.Uint64
}

// Open opens the log in dir, creating it if necessary. Existing segments are
// scanned to restore the LSN counter; a torn tail on the newest segment is
// truncated away so new appends start at a clean frame boundary. In-flight
// transactions from a previous run are not resurrected; Recover reports them.
func Open(dir string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Checksum == nil {
		opts.Checksum = ChecksumCRC32
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}

	if opts.Clock == nil {
		opts.Clock = clock.Default
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		dir:        dir,
		opts:       opts,
		fsys:       opts.FS,
		logger:     logger,
		nextLSN:    1,
		activeTxns: make(map[core.TxnID]core.LSN),
	}

	meta, err := readCheckpointMeta(w.fsys, dir)
	if err != nil {
		return nil, err
	}

	w.checkpointLSN.Store(uint64(meta.LSN))

	segments, err := listSegments(w.fsys, dir)
	if err != nil {
		return nil, err
	}

	var maxLSN core.LSN

	for i, seg := range segments {
		res, err := scanSegment(w.fsys, seg, opts.Checksum, func(e Entry) error {
			if seg.firstLSN == 0 {
				seg.firstLSN = e.LSN
			}

			seg.lastLSN = e.LSN
			if e.LSN > maxLSN {
				maxLSN = e.LSN
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		if !res.clean {
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: segment %s has invalid data before the newest segment", ErrCorruptedRecord, seg.path)
			}

			logger.Warn("truncating torn segment tail",
				slog.String("segment", seg.path),
				slog.Int64("size", seg.size),
				slog.Int64("valid", res.validSize))

			if err := w.fsys.Truncate(seg.path, res.validSize); err != nil {
				return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
			}
		}

		seg.size = res.validSize
	}

	if len(segments) == 0 {
		if err := w.openSegment(1); err != nil {
			return nil, err
		}
	} else {
		last := segments[len(segments)-1]

		f, err := w.fsys.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("wal: reopen segment %s: %w", last.path, err)
		}

		last.file = f
		w.active = last
		w.sealed = segments[:len(segments)-1]
	}

	if maxLSN > 0 {
		w.nextLSN = maxLSN + 1
		w.prevLSN = maxLSN
		w.flushedLSN.Store(uint64(maxLSN))
	}

	logger.Info("wal opened",
		slog.String("dir", dir),
		slog.Int("segments", len(segments)),
		slog.Uint64("next_lsn", uint64(w.nextLSN)),
		slog.Uint64("checkpoint_lsn", w.checkpointLSN.Load()))

	return w, nil
}

// LogOperation appends a record on behalf of txnID and returns the assigned
// LSN. Data records require an active transaction. Boundary markers force an
// immediate flush and sync; data records are buffered until the buffer
// threshold is reached.
func (w *WAL) LogOperation(txnID core.TxnID, rec Record) (core.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.logLocked(txnID, rec)
}

// BeginTransaction logs a begin marker for txnID. The marker is buffered, not
// forced to disk; durability of the whole transaction hinges on the commit
// marker alone.
func (w *WAL) BeginTransaction(txnID core.TxnID) (core.LSN, error) {
	return w.LogOperation(txnID, Record{Kind: KindBegin})
}

// CommitTransaction logs a commit marker for txnID and flushes and syncs all
// buffered entries. When it returns nil, everything the transaction wrote is
// durable.
func (w *WAL) CommitTransaction(txnID core.TxnID) (core.LSN, error) {
	return w.LogOperation(txnID, Record{Kind: KindCommit})
}

// AbortTransaction logs an abort marker for txnID, flushed and synced like a
// commit so recovery sees an unambiguous outcome.
func (w *WAL) AbortTransaction(txnID core.TxnID) (core.LSN, error) {
	return w.LogOperation(txnID, Record{Kind: KindAbort})
}

func (w *WAL) logLocked(txnID core.TxnID, rec Record) (core.LSN, error) {
	if w.closed {
		return 0, ErrClosed
	}

	if w.failed != nil {
		return 0, w.failed
	}

	switch rec.Kind {
	case KindBegin:
		if _, ok := w.activeTxns[txnID]; ok {
			return 0, fmt.Errorf("%w: %d", ErrTxnActive, txnID)
		}
	case KindCommit, KindAbort, KindInsert, KindUpdate, KindDelete:
		if _, ok := w.activeTxns[txnID]; !ok {
			return 0, fmt.Errorf("%w: %d", ErrTxnNotFound, txnID)
		}
	}

	lsn := w.nextLSN
	entry := Entry{
		LSN:       lsn,
		PrevLSN:   w.prevLSN,
		TxnID:     txnID,
		Timestamp: w.opts.Clock.Now(),
		Record:    rec,
	}

	buf, err := appendFrame(nil, &entry, w.opts.Checksum, w.opts.Compression)
	if err != nil {
		return 0, err
	}

	// The LSN is consumed only once the frame encoded, keeping the sequence
	// gapless.
	w.nextLSN++
	w.prevLSN = lsn

	switch rec.Kind {
	case KindBegin:
		w.activeTxns[txnID] = lsn
	case KindCommit, KindAbort:
		delete(w.activeTxns, txnID)
	}

	w.pending = append(w.pending, pendingFrame{lsn: lsn, buf: buf})
	w.pendingBytes += len(buf)
	w.entries.Add(1)

	if rec.Kind.boundary() || w.pendingBytes >= w.opts.BufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}

	return lsn, nil
}

// Flush writes all buffered entries to the active segment and syncs it,
// advancing the flushed-LSN watermark.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	return w.flushLocked()
}

// flushLocked writes buffered frames and syncs. Any storage error is sticky:
// a frame that failed mid-write leaves the segment tail in an unknown state,
// so the log refuses further appends rather than risk writing a valid frame
// after garbage.
func (w *WAL) flushLocked() error {
	if w.failed != nil {
		return w.failed
	}

	if len(w.pending) == 0 {
		return nil
	}

	if err := w.writePendingLocked(); err != nil {
		w.failed = err
		w.logger.Error("wal failed", slog.Any("error", err))

		return err
	}

	return nil
}

func (w *WAL) writePendingLocked() error {
	var lastLSN core.LSN

	for len(w.pending) > 0 {
		frame := w.pending[0]

		// Re-verify right before the write so a frame corrupted in memory
		// after encoding never reaches storage.
		if err := verifyFrame(frame.buf[frameLenSize:], w.opts.Checksum); err != nil {
			return err
		}

		if w.active.size > 0 && w.active.size+int64(len(frame.buf)) > w.opts.SegmentSize {
			if err := w.rotateLocked(); err != nil {
				return err
			}
		}

		n, err := w.active.file.Write(frame.buf)
		w.active.size += int64(n)
		w.bytesWritten.Add(uint64(n))

		if err != nil {
			return fmt.Errorf("wal: write segment %s: %w", w.active.path, err)
		}

		if w.active.firstLSN == 0 {
			w.active.firstLSN = frame.lsn
		}

		w.active.lastLSN = frame.lsn
		lastLSN = frame.lsn
		w.pending = w.pending[1:]
		w.pendingBytes -= len(frame.buf)
	}

	if err := w.active.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment %s: %w", w.active.path, err)
	}

	w.syncs.Add(1)
	w.flushes.Add(1)
	w.flushedLSN.Store(uint64(lastLSN))

	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.active.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment %s: %w", w.active.path, err)
	}

	w.syncs.Add(1)

	if err := w.active.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment %s: %w", w.active.path, err)
	}

	w.active.file = nil
	w.sealed = append(w.sealed, w.active)
	seq := w.active.seq + 1

	if err := w.openSegment(seq); err != nil {
		return err
	}

	w.rotations.Add(1)
	w.logger.Debug("rotated segment", slog.Uint64("seq", seq))

	return nil
}

func (w *WAL) openSegment(seq uint64) error {
	name := path.Join(w.dir, segmentName(seq))

	f, err := w.fsys.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment %s: %w", name, err)
	}

	w.active = &segment{seq: seq, path: name, file: f}

	return nil
}

// Checkpoint writes a checkpoint marker, forces it to disk, persists the
// checkpoint LSN in the metadata file and prunes sealed segments that no
// future recovery can need. The caller must have applied all committed state
// up to this point before calling.
func (w *WAL) Checkpoint() (core.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn, err := w.logLocked(core.InvalidTxnID, Record{Kind: KindCheckpoint})
	if err != nil {
		return 0, err
	}

	w.checkpointLSN.Store(uint64(lsn))

	if err := writeCheckpointMeta(w.fsys, w.dir, checkpointMeta{LSN: lsn, Segment: w.active.seq}); err != nil {
		return 0, err
	}

	w.pruneLocked(lsn)

	w.logger.Info("checkpoint", slog.Uint64("lsn", uint64(lsn)))

	return lsn, nil
}

// pruneLocked removes sealed segments whose entries are all at or below the
// checkpoint and below the begin LSN of every in-flight transaction. Entries
// of in-flight transactions must survive pruning even when older than the
// checkpoint, since recovery replays them only after the commit marker lands.
func (w *WAL) pruneLocked(checkpoint core.LSN) {
	barrier := checkpoint

	for _, begin := range w.activeTxns {
		if begin <= barrier {
			barrier = begin - 1
		}
	}

	kept := w.sealed[:0]

	for _, seg := range w.sealed {
		if seg.lastLSN == 0 || seg.lastLSN > barrier {
			kept = append(kept, seg)

			continue
		}

		if err := w.fsys.Remove(seg.path); err != nil {
			w.logger.Warn("prune segment failed", slog.String("segment", seg.path), slog.Any("error", err))
			kept = append(kept, seg)

			continue
		}

		w.logger.Debug("pruned segment", slog.String("segment", seg.path), slog.Uint64("last_lsn", uint64(seg.lastLSN)))
	}

	w.sealed = kept
}

// FlushedLSN returns the highest LSN known to be durable on storage.
func (w *WAL) FlushedLSN() core.LSN { return core.LSN(w.flushedLSN.Load()) }

// CheckpointLSN returns the LSN of the most recent checkpoint, zero if none.
func (w *WAL) CheckpointLSN() core.LSN { return core.LSN(w.checkpointLSN.Load()) }

// Stats returns a snapshot of logger counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	segments := len(w.sealed)
	if w.active != nil {
		segments++
	}
	activeTxns := len(w.activeTxns)
	nextLSN := w.nextLSN
	w.mu.Unlock()

	return Stats{
		Entries:            w.entries.Load(),
		BytesWritten:       w.bytesWritten.Load(),
		Flushes:            w.flushes.Load(),
		Syncs:              w.syncs.Load(),
		Rotations:          w.rotations.Load(),
		Segments:           segments,
		ActiveTransactions: activeTxns,
		NextLSN:            nextLSN,
		FlushedLSN:         core.LSN(w.flushedLSN.Load()),
		CheckpointLSN:      core.LSN(w.checkpointLSN.Load()),
	}
}

// Close flushes buffered entries and closes the active segment. Further calls
// on the WAL return ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	flushErr := w.flushLocked()
	w.closed = true

	if w.active != nil && w.active.file != nil {
		if err := w.active.file.Close(); err != nil && flushErr == nil {
			flushErr = fmt.Errorf("wal: close segment %s: %w", w.active.path, err)
		}

		w.active.file = nil
	}

	return flushErr
}
