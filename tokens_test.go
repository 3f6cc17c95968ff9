package waggle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStoreWritesThrough(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewTokenStore(storage)

	assert.Nil(t, store.Get())
	assert.Empty(t, store.AccessToken())
	assert.Empty(t, store.RefreshToken())

	require.NoError(t, store.Set(StoredTokens{AccessToken: "acc-1", RefreshToken: "ref-1"}))
	assert.Equal(t, "acc-1", store.AccessToken())
	assert.Equal(t, "ref-1", store.RefreshToken())

	// A second store over the same storage sees the persisted pair.
	assert.Equal(t, "acc-1", NewTokenStore(storage).AccessToken())
}

func TestTokenStoreKeepsRefreshTokenWhenRotationOmitsIt(t *testing.T) {
	store := NewTokenStore(NewMemoryStorage())
	require.NoError(t, store.Set(StoredTokens{AccessToken: "acc-1", RefreshToken: "ref-1"}))

	// Refresh endpoints may return only a new access token.
	require.NoError(t, store.Set(StoredTokens{AccessToken: "acc-2"}))
	assert.Equal(t, "acc-2", store.AccessToken())
	assert.Equal(t, "ref-1", store.RefreshToken())

	// An explicit rotation replaces both.
	require.NoError(t, store.Set(StoredTokens{AccessToken: "acc-3", RefreshToken: "ref-2"}))
	assert.Equal(t, "ref-2", store.RefreshToken())
}

func TestTokenStoreClear(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewTokenStore(storage)
	require.NoError(t, store.Set(StoredTokens{AccessToken: "acc-1", RefreshToken: "ref-1"}))

	require.NoError(t, store.Clear())
	assert.Nil(t, store.Get())

	_, ok, err := storage.Get(storageKeyTokens)
	require.NoError(t, err)
	assert.False(t, ok, "cleared tokens must not linger in storage")

	// A fresh store also sees nothing.
	assert.Nil(t, NewTokenStore(storage).Get())
}

func TestTokenStoreIgnoresCorruptPersistedData(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(storageKeyTokens, []byte("not json")))

	store := NewTokenStore(storage)
	assert.Nil(t, store.Get())
}
