// Package pebble provides a kvstate.Store backed by a Pebble database, for
// deployments whose applied state must itself survive restarts so checkpoints
// can truncate the log.
package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/velodb/velo/kvstate"
)

// Store is a durable applied-state store on top of Pebble. Batches are
// applied without an individual sync; Sync flushes everything outstanding,
// which the coordinator calls before writing a checkpoint.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kvstate: open pebble: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Apply(ops []kvstate.Op) error {
	batch := s.db.NewBatch()

	for _, op := range ops {
		var err error

		switch op.Kind {
		case kvstate.OpDelete:
			err = batch.Delete(op.Key, nil)
		default:
			err = batch.Set(op.Key, op.Value, nil)
		}

		if err != nil {
			batch.Close()

			return fmt.Errorf("kvstate: build batch: %w", err)
		}
	}

	if err := s.db.Apply(batch, pebble.NoSync); err != nil {
		batch.Close()

		return fmt.Errorf("kvstate: apply batch: %w", err)
	}

	return batch.Close()
}

func (s *Store) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("kvstate: get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)

	return out, true, nil
}

func (s *Store) Range(fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("kvstate: iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())

		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if err := fn(key, value); err != nil {
			return err
		}
	}

	return iter.Error()
}

func (s *Store) Sync() error {
	if err := s.db.Flush(); err != nil {
		return fmt.Errorf("kvstate: flush: %w", err)
	}

	return nil
}

func (s *Store) Durable() bool { return true }

func (s *Store) Close() error {
	return s.db.Close()
}

var _ kvstate.Store = (*Store)(nil)
