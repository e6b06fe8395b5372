package velo

import (
	"errors"
	"fmt"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/mvcc"
	"github.com/velodb/velo/wal"
)

var (
	// ErrNotFound is returned when no version of a key is visible to the
	// transaction's snapshot.
	ErrNotFound = errors.New("not found")

	// ErrTxnNotFound is returned when an operation references an unknown or
	// finished transaction.
	ErrTxnNotFound = errors.New("transaction not found")

	// ErrCorrupted indicates log data that failed validation.
	ErrCorrupted = errors.New("corrupted")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")
)

// ErrCommitFailed indicates a commit that could not be made durable. The
// transaction was rolled back; none of its writes are visible.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrCommitFailed struct {
	TxnID core.TxnID
	cause error
}

func (e *ErrCommitFailed) Error() string {
	return fmt.Sprintf("commit of transaction %d failed: %v", e.TxnID, e.cause)
}

func (e *ErrCommitFailed) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, mvcc.ErrKeyNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, mvcc.ErrTxnNotFound) || errors.Is(err, wal.ErrTxnNotFound) {
		return fmt.Errorf("%w: %w", ErrTxnNotFound, err)
	}

	// Corruption unification.
	if errors.Is(err, wal.ErrChecksumMismatch) || errors.Is(err, wal.ErrCorruptedRecord) {
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	if errors.Is(err, wal.ErrClosed) || errors.Is(err, mvcc.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
