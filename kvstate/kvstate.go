// Package kvstate defines the applied-state store: the key/value state that
// checkpoints declare durable, fed by replaying committed transactions. It is
// deliberately dumb storage with no visibility rules; version semantics live
// entirely in the MVCC layer above it.
package kvstate

import "errors"

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("kvstate: closed")

// OpKind discriminates applied operations.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one applied mutation. A committed transaction becomes a batch of ops.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Put builds a put op.
func Put(key, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// Delete builds a delete op.
func Delete(key []byte) Op { return Op{Kind: OpDelete, Key: key} }

// Store is the applied-state backend. Apply must be atomic per batch: either
// every op of a committed transaction lands or none does.
type Store interface {
	// Apply applies a committed transaction's ops as one atomic batch.
	Apply(ops []Op) error

	// Get returns the current value of key. The second return is false when
	// the key is absent.
	Get(key []byte) ([]byte, bool, error)

	// Range calls fn for every key/value pair. Iteration stops at the first
	// error, which is returned.
	Range(fn func(key, value []byte) error) error

	// Sync makes all applied batches durable.
	Sync() error

	// Durable reports whether applied state survives restarts. Checkpoints
	// are only meaningful over a durable store: they let the log prune
	// segments on the promise that the state is already persisted elsewhere.
	Durable() bool

	Close() error
}
