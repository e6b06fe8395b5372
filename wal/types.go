package wal

import (
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/velodb/velo/clock"
	"github.com/velodb/velo/core"
	"github.com/velodb/velo/fs"
)

// Kind identifies the type of record carried by a log entry.
type Kind uint8

const (
	// KindInsert records a new key/value pair in a table.
	KindInsert Kind = iota + 1
	// KindUpdate records a value change, keeping the previous value for undo tooling.
	KindUpdate
	// KindDelete records a key removal, keeping the previous value.
	KindDelete
	// KindBegin marks the start of a transaction.
	KindBegin
	// KindCommit marks a transaction as durably committed. Writing it forces a
	// flush and sync; it is the durability point of the transaction.
	KindCommit
	// KindAbort marks a transaction as rolled back.
	KindAbort
	// KindCheckpoint marks a point up to which all earlier log data is known to
	// be reflected in applied state.
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// boundary reports whether the record kind forces an immediate flush+sync.
func (k Kind) boundary() bool {
	return k == KindCommit || k == KindAbort || k == KindCheckpoint
}

// Record is the payload of a log entry: one variant of a tagged union over
// data mutations and transaction boundary markers. Marker records carry no
// payload; the owning entry identifies the transaction.
type Record struct {
	Kind     Kind
	Table    string
	Key      []byte
	Value    []byte // Insert value, Update new value
	OldValue []byte // Update/Delete previous value
}

// NewInsert builds an insert record.
func NewInsert(table string, key, value []byte) Record {
	return Record{Kind: KindInsert, Table: table, Key: key, Value: value}
}

// NewUpdate builds an update record carrying both old and new values.
func NewUpdate(table string, key, oldValue, newValue []byte) Record {
	return Record{Kind: KindUpdate, Table: table, Key: key, OldValue: oldValue, Value: newValue}
}

// NewDelete builds a delete record carrying the removed value.
func NewDelete(table string, key, oldValue []byte) Record {
	return Record{Kind: KindDelete, Table: table, Key: key, OldValue: oldValue}
}

// Entry is a single immutable write-ahead log entry. Once flushed it is never
// modified; its checksum covers every field and the record payload.
type Entry struct {
	LSN       core.LSN
	PrevLSN   core.LSN
	TxnID     core.TxnID
	Timestamp time.Time
	Checksum  uint32
	Record    Record
}

// ChecksumFunc computes a 32-bit checksum over entry bytes. The same function
// must be used for writing and recovery.
type ChecksumFunc func([]byte) uint32

// ChecksumCRC32 is the default checksum (CRC-32, IEEE polynomial).
func ChecksumCRC32(p []byte) uint32 { return crc32.ChecksumIEEE(p) }

// ChecksumXXHash uses the low 32 bits of xxhash64. Faster than CRC32 on large
// values when the platform lacks hardware CRC.
func ChecksumXXHash(p []byte) uint32 { return uint32(xxhash.Sum64(p)) }

// Options contains configuration for the WAL.
type Options struct {
	// SegmentSize is the rotation threshold in bytes. A new segment file is
	// opened whenever appending would exceed it.
	SegmentSize int64

	// BufferSize is the flush threshold for buffered data records in bytes.
	// Boundary markers (commit, abort, checkpoint) always flush immediately
	// regardless of this value.
	BufferSize int

	// Compression selects the codec applied to record value payloads.
	Compression Compression

	// Checksum is the checksum function for entries. Defaults to CRC32.
	Checksum ChecksumFunc

	// FS is the storage capability. Defaults to the local filesystem;
	// tests swap in fs.NewMem or fs.NewFaulty.
	FS fs.FileSystem

	// Clock provides entry timestamps. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives structured log output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{
		SegmentSize: 64 * 1024 * 1024,
		BufferSize:  256 * 1024,
		Compression: CompressionNone,
		Checksum:    ChecksumCRC32,
		FS:          fs.Default,
		Clock:       clock.Default,
	}
}

// Stats is a point-in-time snapshot of logger counters, consumed by external
// monitoring.
type Stats struct {
	Entries            uint64
	BytesWritten       uint64
	Flushes            uint64
	Syncs              uint64
	Rotations          uint64
	Segments           int
	ActiveTransactions int
	NextLSN            core.LSN
	FlushedLSN         core.LSN
	CheckpointLSN      core.LSN
}
