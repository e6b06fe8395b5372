package wal

import "errors"

var (
	// ErrClosed is returned when operating on a closed WAL.
	ErrClosed = errors.New("wal: closed")

	// ErrChecksumMismatch indicates a stored checksum does not match the entry
	// bytes. During recovery it marks the end of the usable log.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrCorruptedRecord indicates an entry that cannot be decoded even though
	// it was read in full.
	ErrCorruptedRecord = errors.New("wal: corrupted record")

	// ErrRecordTooLarge indicates a frame length prefix beyond the maximum
	// entry size. Treated as corruption.
	ErrRecordTooLarge = errors.New("wal: record too large")

	// ErrTxnNotFound is returned when a commit or abort references a
	// transaction with no begin marker in this logger.
	ErrTxnNotFound = errors.New("wal: transaction not found")

	// ErrTxnActive is returned when beginning a transaction whose ID is
	// already active.
	ErrTxnActive = errors.New("wal: transaction already active")
)
