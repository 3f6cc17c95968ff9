package waggle

import (
	"encoding/json"
	"sync"
)

// TokenStore holds the access/refresh token pair and writes every mutation
// through to Storage so a restart resumes the session. Tokens are mutated
// only by login, refresh, and logout.
type TokenStore struct {
	mu      sync.RWMutex
	storage Storage
	tokens  *StoredTokens
	loaded  bool
}

// NewTokenStore creates a token store backed by storage. Pass a
// MemoryStorage for session-only tokens.
func NewTokenStore(storage Storage) *TokenStore {
	return &TokenStore{storage: storage}
}

// Get returns the current token pair, loading from storage on first use.
// Returns nil when no tokens are held.
func (t *TokenStore) Get() *StoredTokens {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked()
	if t.tokens == nil {
		return nil
	}
	cp := *t.tokens
	return &cp
}

// AccessToken returns the held access token, or "" when logged out.
func (t *TokenStore) AccessToken() string {
	if tok := t.Get(); tok != nil {
		return tok.AccessToken
	}
	return ""
}

// RefreshToken returns the held refresh token, or "" when none is held.
func (t *TokenStore) RefreshToken() string {
	if tok := t.Get(); tok != nil {
		return tok.RefreshToken
	}
	return ""
}

// Set replaces the token pair and persists it. A refresh that returns no new
// refresh token keeps the previous one.
func (t *TokenStore) Set(tokens StoredTokens) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked()
	if tokens.RefreshToken == "" && t.tokens != nil {
		tokens.RefreshToken = t.tokens.RefreshToken
	}
	t.tokens = &tokens
	t.loaded = true
	data, err := json.Marshal(&tokens)
	if err != nil {
		return err
	}
	return t.storage.Set(storageKeyTokens, data)
}

// Clear drops the token pair from memory and storage.
func (t *TokenStore) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = nil
	t.loaded = true
	return t.storage.Delete(storageKeyTokens)
}

// loadLocked lazily reads tokens from storage. Storage read errors leave the
// store empty; the next authenticated call will fail with a 401 and recover
// through the normal refresh/login path.
func (t *TokenStore) loadLocked() {
	if t.loaded {
		return
	}
	t.loaded = true
	data, ok, err := t.storage.Get(storageKeyTokens)
	if err != nil || !ok {
		return
	}
	var tokens StoredTokens
	if json.Unmarshal(data, &tokens) == nil && tokens.AccessToken != "" {
		t.tokens = &tokens
	}
}
