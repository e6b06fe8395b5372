package wal

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/velodb/velo/clock"
	"github.com/velodb/velo/core"
	"github.com/velodb/velo/fs"
)

func openTestWAL(t *testing.T, fsys fs.FileSystem, optFns ...func(o *Options)) *WAL {
	t.Helper()

	opts := append([]func(o *Options){func(o *Options) {
		o.FS = fsys
		o.Clock = clock.NewManual(time.Unix(1700000000, 0))
	}}, optFns...)

	w, err := Open("testlog", opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	t.Cleanup(func() { w.Close() })

	return w
}

func TestCodecRoundTrip(t *testing.T) {
	records := []Record{
		NewInsert("users", []byte("k1"), []byte("v1")),
		NewUpdate("users", []byte("k1"), []byte("v1"), []byte("v2")),
		NewDelete("users", []byte("k1"), []byte("v2")),
		{Kind: KindBegin},
		{Kind: KindCommit},
		{Kind: KindAbort},
		{Kind: KindCheckpoint},
	}

	for _, comp := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		for _, rec := range records {
			in := Entry{
				LSN:       42,
				PrevLSN:   41,
				TxnID:     7,
				Timestamp: time.Unix(1700000000, 12345),
				Record:    rec,
			}

			frame, err := appendFrame(nil, &in, ChecksumCRC32, comp)
			if err != nil {
				t.Fatalf("appendFrame(%s, %s) error = %v", rec.Kind, comp, err)
			}

			out, err := decodeEntry(frame[frameLenSize:], ChecksumCRC32)
			if err != nil {
				t.Fatalf("decodeEntry(%s, %s) error = %v", rec.Kind, comp, err)
			}

			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("round trip mismatch (%s, %s) (-want +got):\n%s", rec.Kind, comp, diff)
			}
		}
	}
}

func TestCodecDetectsBitFlip(t *testing.T) {
	in := Entry{LSN: 1, TxnID: 1, Timestamp: time.Unix(0, 0), Record: NewInsert("t", []byte("k"), []byte("value"))}

	frame, err := appendFrame(nil, &in, ChecksumCRC32, CompressionNone)
	if err != nil {
		t.Fatalf("appendFrame() error = %v", err)
	}

	for off := frameLenSize; off < len(frame); off++ {
		mutated := bytes.Clone(frame)
		mutated[off] ^= 0x01

		if _, err := decodeEntry(mutated[frameLenSize:], ChecksumCRC32); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("decodeEntry() with flipped byte %d error = %v, want ErrChecksumMismatch", off, err)
		}
	}
}

func TestChecksumXXHash(t *testing.T) {
	in := Entry{LSN: 9, TxnID: 3, Timestamp: time.Unix(0, 0), Record: NewInsert("t", []byte("k"), []byte("v"))}

	frame, err := appendFrame(nil, &in, ChecksumXXHash, CompressionNone)
	if err != nil {
		t.Fatalf("appendFrame() error = %v", err)
	}

	if _, err := decodeEntry(frame[frameLenSize:], ChecksumXXHash); err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}

	if _, err := decodeEntry(frame[frameLenSize:], ChecksumCRC32); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("decodeEntry() with wrong checksum func error = %v, want ErrChecksumMismatch", err)
	}
}

func TestLSNAssignment(t *testing.T) {
	w := openTestWAL(t, fs.NewMem())

	var lsns []core.LSN

	for txn := core.TxnID(1); txn <= 3; txn++ {
		lsn, err := w.BeginTransaction(txn)
		if err != nil {
			t.Fatalf("BeginTransaction(%d) error = %v", txn, err)
		}

		lsns = append(lsns, lsn)

		lsn, err = w.LogOperation(txn, NewInsert("t", []byte("k"), []byte("v")))
		if err != nil {
			t.Fatalf("LogOperation(%d) error = %v", txn, err)
		}

		lsns = append(lsns, lsn)

		lsn, err = w.CommitTransaction(txn)
		if err != nil {
			t.Fatalf("CommitTransaction(%d) error = %v", txn, err)
		}

		lsns = append(lsns, lsn)
	}

	for i, lsn := range lsns {
		if want := core.LSN(i + 1); lsn != want {
			t.Errorf("lsns[%d] = %d, want %d", i, lsn, want)
		}
	}
}

func TestTransactionBookkeeping(t *testing.T) {
	w := openTestWAL(t, fs.NewMem())

	if _, err := w.CommitTransaction(99); !errors.Is(err, ErrTxnNotFound) {
		t.Fatalf("CommitTransaction(99) error = %v, want ErrTxnNotFound", err)
	}

	if _, err := w.LogOperation(99, NewInsert("t", []byte("k"), []byte("v"))); !errors.Is(err, ErrTxnNotFound) {
		t.Fatalf("LogOperation(99) error = %v, want ErrTxnNotFound", err)
	}

	if _, err := w.BeginTransaction(1); err != nil {
		t.Fatalf("BeginTransaction(1) error = %v", err)
	}

	if _, err := w.BeginTransaction(1); !errors.Is(err, ErrTxnActive) {
		t.Fatalf("BeginTransaction(1) twice error = %v, want ErrTxnActive", err)
	}

	if _, err := w.AbortTransaction(1); err != nil {
		t.Fatalf("AbortTransaction(1) error = %v", err)
	}

	if _, err := w.AbortTransaction(1); !errors.Is(err, ErrTxnNotFound) {
		t.Fatalf("AbortTransaction(1) twice error = %v, want ErrTxnNotFound", err)
	}
}

func TestCommitAdvancesFlushedLSN(t *testing.T) {
	w := openTestWAL(t, fs.NewMem())

	if _, err := w.BeginTransaction(1); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	if _, err := w.LogOperation(1, NewInsert("t", []byte("k"), []byte("v"))); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}

	// Begin and data records are buffered only.
	if got := w.FlushedLSN(); got != 0 {
		t.Fatalf("FlushedLSN() before commit = %d, want 0", got)
	}

	commitLSN, err := w.CommitTransaction(1)
	if err != nil {
		t.Fatalf("CommitTransaction() error = %v", err)
	}

	if got := w.FlushedLSN(); got != commitLSN {
		t.Fatalf("FlushedLSN() after commit = %d, want %d", got, commitLSN)
	}
}

func TestBufferThresholdFlush(t *testing.T) {
	w := openTestWAL(t, fs.NewMem(), func(o *Options) {
		o.BufferSize = 128
	})

	if _, err := w.BeginTransaction(1); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	lsn, err := w.LogOperation(1, NewInsert("t", []byte("key"), bytes.Repeat([]byte("x"), 256)))
	if err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}

	if got := w.FlushedLSN(); got != lsn {
		t.Fatalf("FlushedLSN() after threshold = %d, want %d", got, lsn)
	}
}

func writeTransactions(t *testing.T, w *WAL, n int, valueSize int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		txn := core.TxnID(i)

		if _, err := w.BeginTransaction(txn); err != nil {
			t.Fatalf("BeginTransaction(%d) error = %v", txn, err)
		}

		key := []byte(fmt.Sprintf("key-%04d", i))

		if _, err := w.LogOperation(txn, NewInsert("t", key, bytes.Repeat([]byte("v"), valueSize))); err != nil {
			t.Fatalf("LogOperation(%d) error = %v", txn, err)
		}

		if _, err := w.CommitTransaction(txn); err != nil {
			t.Fatalf("CommitTransaction(%d) error = %v", txn, err)
		}
	}
}

func TestSegmentRotation(t *testing.T) {
	mem := fs.NewMem()
	w := openTestWAL(t, mem, func(o *Options) {
		o.SegmentSize = 512
	})

	writeTransactions(t, w, 20, 64)

	stats := w.Stats()
	if stats.Segments < 2 {
		t.Fatalf("Stats().Segments = %d, want at least 2", stats.Segments)
	}

	if stats.Rotations == 0 {
		t.Fatal("Stats().Rotations = 0, want rotations")
	}

	// All 60 entries must replay in LSN order across segment boundaries.
	var got []core.LSN

	result, err := w.Recover(func(e Entry) error {
		got = append(got, e.LSN)

		return nil
	})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if result.HighestLSN != 60 {
		t.Fatalf("Recover() HighestLSN = %d, want 60", result.HighestLSN)
	}

	for i, lsn := range got {
		if want := core.LSN(i + 1); lsn != want {
			t.Fatalf("replayed LSN[%d] = %d, want %d", i, lsn, want)
		}
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	mem := fs.NewMem()

	w := openTestWAL(t, mem)
	writeTransactions(t, w, 3, 8)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w2 := openTestWAL(t, mem)

	lsn, err := w2.BeginTransaction(4)
	if err != nil {
		t.Fatalf("BeginTransaction() after reopen error = %v", err)
	}

	if lsn != 10 {
		t.Fatalf("first LSN after reopen = %d, want 10", lsn)
	}
}

func TestTornTailRecovery(t *testing.T) {
	mem := fs.NewMem()

	w := openTestWAL(t, mem)
	writeTransactions(t, w, 2, 8)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Flip a byte inside the last frame, simulating a torn write at the tail.
	name := path.Join("testlog", segmentName(1))

	info, err := mem.Stat(name)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	if err := mem.Corrupt(name, info.Size()-3, []byte{0xff}); err != nil {
		t.Fatalf("Corrupt() error = %v", err)
	}

	w2 := openTestWAL(t, mem)

	result, err := w2.Recover(nil)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	// Transaction 2's commit marker (LSN 6) was torn; its begin and insert
	// survive, so recovery reports it in flight.
	if result.HighestLSN != 5 {
		t.Fatalf("Recover() HighestLSN = %d, want 5", result.HighestLSN)
	}

	if len(result.InFlight) != 1 || result.InFlight[0] != 2 {
		t.Fatalf("Recover() InFlight = %v, want [2]", result.InFlight)
	}

	// New appends after the truncated tail must land on a clean boundary and
	// replay normally.
	if _, err := w2.BeginTransaction(3); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	if _, err := w2.CommitTransaction(3); err != nil {
		t.Fatalf("CommitTransaction() error = %v", err)
	}

	if got := w2.FlushedLSN(); got != 7 {
		t.Fatalf("FlushedLSN() = %d, want 7", got)
	}
}

func TestRecoveryIdempotent(t *testing.T) {
	mem := fs.NewMem()
	w := openTestWAL(t, mem)
	writeTransactions(t, w, 5, 16)

	first, err := w.Recover(nil)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	second, err := w.Recover(nil)
	if err != nil {
		t.Fatalf("Recover() twice error = %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated recovery mismatch (-first +second):\n%s", diff)
	}
}

func TestCheckpointBoundsRecovery(t *testing.T) {
	mem := fs.NewMem()
	w := openTestWAL(t, mem)

	writeTransactions(t, w, 3, 8)

	ckptLSN, err := w.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	writeTransactions(t, w, 2, 8)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w2 := openTestWAL(t, mem)

	var applied []core.LSN

	result, err := w2.Recover(func(e Entry) error {
		applied = append(applied, e.LSN)

		return nil
	})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if result.CheckpointLSN != ckptLSN {
		t.Fatalf("Recover() CheckpointLSN = %d, want %d", result.CheckpointLSN, ckptLSN)
	}

	// Every retained entry is streamed, pre-checkpoint ones included: a
	// transaction may begin before a checkpoint and commit after it. The
	// caller filters by commit LSN against CheckpointLSN.
	if result.Applied != 16 {
		t.Fatalf("Recover() Applied = %d, want 16", result.Applied)
	}

	for i, lsn := range applied {
		if lsn != core.LSN(i+1) {
			t.Fatalf("applied[%d] = %d, want %d", i, lsn, i+1)
		}
	}

	var above int

	for _, lsn := range applied {
		if lsn > ckptLSN {
			above++
		}
	}

	if above != 6 {
		t.Fatalf("entries above checkpoint = %d, want 6", above)
	}
}

func TestCheckpointPrunesSegments(t *testing.T) {
	mem := fs.NewMem()
	w := openTestWAL(t, mem, func(o *Options) {
		o.SegmentSize = 256
	})

	writeTransactions(t, w, 20, 32)

	before := w.Stats().Segments
	if before < 3 {
		t.Fatalf("Stats().Segments = %d, want at least 3 before checkpoint", before)
	}

	if _, err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	after := w.Stats().Segments
	if after != 1 {
		t.Fatalf("Stats().Segments = %d after checkpoint, want 1", after)
	}
}

func TestCheckpointKeepsInFlightSegments(t *testing.T) {
	mem := fs.NewMem()
	w := openTestWAL(t, mem, func(o *Options) {
		o.SegmentSize = 256
	})

	// Transaction 100 stays open while committed traffic rotates segments
	// past it. Its begin and insert live in the oldest segment.
	if _, err := w.BeginTransaction(100); err != nil {
		t.Fatalf("BeginTransaction(100) error = %v", err)
	}

	if _, err := w.LogOperation(100, NewInsert("t", []byte("open"), []byte("v"))); err != nil {
		t.Fatalf("LogOperation(100) error = %v", err)
	}

	for i := 1; i <= 20; i++ {
		txn := core.TxnID(i)

		if _, err := w.BeginTransaction(txn); err != nil {
			t.Fatalf("BeginTransaction(%d) error = %v", txn, err)
		}

		if _, err := w.LogOperation(txn, NewInsert("t", []byte("k"), bytes.Repeat([]byte("v"), 32))); err != nil {
			t.Fatalf("LogOperation(%d) error = %v", txn, err)
		}

		if _, err := w.CommitTransaction(txn); err != nil {
			t.Fatalf("CommitTransaction(%d) error = %v", txn, err)
		}
	}

	before := w.Stats().Segments

	if _, err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// Nothing may be pruned while transaction 100's entries are needed. The
	// checkpoint record itself may have rotated into a fresh segment.
	if after := w.Stats().Segments; after < before {
		t.Fatalf("Stats().Segments = %d after checkpoint with open transaction, want at least %d", after, before)
	}

	if _, err := w.CommitTransaction(100); err != nil {
		t.Fatalf("CommitTransaction(100) error = %v", err)
	}

	if _, err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if after := w.Stats().Segments; after != 1 {
		t.Fatalf("Stats().Segments = %d after final checkpoint, want 1", after)
	}
}

func TestCompressedLogRoundTrip(t *testing.T) {
	for _, comp := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			mem := fs.NewMem()
			w := openTestWAL(t, mem, func(o *Options) {
				o.Compression = comp
			})

			value := bytes.Repeat([]byte("compressible payload "), 50)

			if _, err := w.BeginTransaction(1); err != nil {
				t.Fatalf("BeginTransaction() error = %v", err)
			}

			if _, err := w.LogOperation(1, NewInsert("t", []byte("k"), value)); err != nil {
				t.Fatalf("LogOperation() error = %v", err)
			}

			if _, err := w.CommitTransaction(1); err != nil {
				t.Fatalf("CommitTransaction() error = %v", err)
			}

			var got []byte

			if _, err := w.Recover(func(e Entry) error {
				if e.Record.Kind == KindInsert {
					got = e.Record.Value
				}

				return nil
			}); err != nil {
				t.Fatalf("Recover() error = %v", err)
			}

			if !bytes.Equal(got, value) {
				t.Fatalf("recovered value = %d bytes, want %d bytes", len(got), len(value))
			}
		})
	}
}

func TestCommitSyncFailure(t *testing.T) {
	faulty := fs.NewFaulty(fs.NewMem())
	w := openTestWAL(t, faulty)

	if _, err := w.BeginTransaction(1); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	if _, err := w.LogOperation(1, NewInsert("t", []byte("k"), []byte("v"))); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}

	faulty.AddRule(segmentSuffix, fs.Fault{FailOnSync: true})

	if _, err := w.CommitTransaction(1); !errors.Is(err, fs.ErrInjected) {
		t.Fatalf("CommitTransaction() error = %v, want injected sync failure", err)
	}

	// The watermark must not move past a failed sync.
	if got := w.FlushedLSN(); got != 0 {
		t.Fatalf("FlushedLSN() after failed sync = %d, want 0", got)
	}
}

func TestClosedWAL(t *testing.T) {
	w := openTestWAL(t, fs.NewMem())

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := w.BeginTransaction(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("BeginTransaction() after close error = %v, want ErrClosed", err)
	}

	if err := w.Flush(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush() after close error = %v, want ErrClosed", err)
	}
}
