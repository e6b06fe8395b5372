package mvcc

import "errors"

var (
	// ErrTxnNotFound is returned when an operation references a transaction
	// that is not active.
	ErrTxnNotFound = errors.New("mvcc: transaction not found")

	// ErrKeyNotFound is returned by Read when no version of the key is
	// visible to the transaction's snapshot.
	ErrKeyNotFound = errors.New("mvcc: key not found")

	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("mvcc: closed")
)
