package kvstate

import (
	"bytes"
	"sort"
	"sync"
)

// Memory is an in-process Store. State lives only as long as the process; on
// restart it is rebuilt from the log, which is exactly the recovery path the
// tests exercise.
type Memory struct {
	mu     sync.RWMutex
	closed bool
	data   map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Apply(ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, op := range ops {
		switch op.Kind {
		case OpDelete:
			delete(m.data, string(op.Key))
		default:
			m.data[string(op.Key)] = bytes.Clone(op.Value)
		}
	}

	return nil
}

func (m *Memory) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	value, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}

	return bytes.Clone(value), true, nil
}

func (m *Memory) Range(fn func(key, value []byte) error) error {
	m.mu.RLock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2][]byte{[]byte(k), bytes.Clone(m.data[k])})
	}

	m.mu.RUnlock()

	for _, p := range pairs {
		if err := fn(p[0], p[1]); err != nil {
			return err
		}
	}

	return nil
}

func (m *Memory) Sync() error { return nil }

func (m *Memory) Durable() bool { return false }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

var _ Store = (*Memory)(nil)
