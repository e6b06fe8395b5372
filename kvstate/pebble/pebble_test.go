package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodb/velo/kvstate"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Apply([]kvstate.Op{
		kvstate.Put([]byte("a"), []byte("1")),
		kvstate.Put([]byte("b"), []byte("2")),
		kvstate.Delete([]byte("a")),
	}))

	_, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err := s.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), value)

	require.NoError(t, s.Sync())

	var keys []string

	require.NoError(t, s.Range(func(key, _ []byte) error {
		keys = append(keys, string(key))

		return nil
	}))

	assert.Equal(t, []string{"b"}, keys)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Apply([]kvstate.Op{kvstate.Put([]byte("k"), []byte("v"))}))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)

	t.Cleanup(func() { s2.Close() })

	value, ok, err := s2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}
