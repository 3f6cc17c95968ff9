package waggle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()

	_, ok, err := store.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("k1", []byte("v1")))
	got, ok, err := store.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// Returned slices are copies: mutating them must not corrupt the store.
	got[0] = 'X'
	again, _, err := store.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), again)

	require.NoError(t, store.Delete("k1"))
	_, ok, err = store.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete("k1"))
}

func TestBoltStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waggle.db")

	store, err := OpenBoltStorage(path)
	require.NoError(t, err)

	require.NoError(t, store.Set("k1", []byte("v1")))
	require.NoError(t, store.Set("k2", []byte("v2")))
	require.NoError(t, store.Delete("k2"))

	got, ok, err := store.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	_, ok, err = store.Get("k2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Close())

	// Values survive reopening the file.
	reopened, err := OpenBoltStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err = reopened.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}
