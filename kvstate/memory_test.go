package kvstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryApplyAndGet(t *testing.T) {
	s := NewMemory()

	require.NoError(t, s.Apply([]Op{
		Put([]byte("a"), []byte("1")),
		Put([]byte("b"), []byte("2")),
	}))

	value, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, s.Apply([]Op{
		Put([]byte("a"), []byte("3")),
		Delete([]byte("b")),
	}))

	value, ok, err = s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), value)

	_, ok, err = s.Get([]byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRangeSorted(t *testing.T) {
	s := NewMemory()

	for i := 4; i >= 0; i-- {
		require.NoError(t, s.Apply([]Op{Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))}))
	}

	var keys []string

	require.NoError(t, s.Range(func(key, _ []byte) error {
		keys = append(keys, string(key))

		return nil
	}))

	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, keys)
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Apply([]Op{Put([]byte("k"), []byte("v"))}), ErrClosed)

	_, _, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}
