package waggle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testLogger discards output so failing-path tests stay quiet.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// roundTripFunc lets a test script the transport directly.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

// ============================================================================
// Retry pipeline
// ============================================================================

func TestDoRetriesIdempotentOnNetworkError(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("connection refused")
		}
		rec := httptest.NewRecorder()
		rec.WriteString(`{"ok":true}`)
		return rec.Result(), nil
	})

	client := New(
		WithBaseURL("http://waggle.test"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetry(fastRetry(3)),
		WithLogger(testLogger()),
	)

	data, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryNonIdempotent(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	})

	client := New(
		WithBaseURL("http://waggle.test"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetry(fastRetry(3)),
		WithLogger(testLogger()),
	)

	_, err := client.Do(context.Background(), http.MethodPost, "/chat/conversations/c1/messages", map[string]string{"content": "hi"}, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRetryBudgetExhausted(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	})

	client := New(
		WithBaseURL("http://waggle.test"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetry(fastRetry(3)),
		WithLogger(testLogger()),
	)

	_, err := client.Do(context.Background(), http.MethodGet, "/matching/matches", nil, nil, false)
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Timeout)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoOptInIdempotentPost(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		rec := httptest.NewRecorder()
		rec.WriteString(`{}`)
		return rec.Result(), nil
	})

	client := New(
		WithBaseURL("http://waggle.test"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetry(fastRetry(3)),
		WithLogger(testLogger()),
	)

	err := client.Feed().React(context.Background(), &ReactionOptions{PostID: "post-1", Kind: "paw"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, max, 2))
	assert.Equal(t, max, backoffDelay(base, max, 10))
	assert.Equal(t, max, backoffDelay(base, max, 63))
}

// ============================================================================
// Error taxonomy
// ============================================================================

func TestDoTimeoutClassifiedAsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := New(
		WithBaseURL(srv.URL),
		WithTimeout(20*time.Millisecond),
		WithRetry(fastRetry(1)),
		WithLogger(testLogger()),
	)

	_, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestDoCallerCancellationIsNotNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := New(WithBaseURL(srv.URL), WithRetry(fastRetry(1)), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Do(ctx, http.MethodGet, "/pets/p1", nil, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNetwork)
}

func TestAPIErrorParsing(t *testing.T) {
	t.Run("structured body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"name too long","code":"VALIDATION","details":{"field":"name"}}`))
		}))
		defer srv.Close()

		client := New(WithBaseURL(srv.URL), WithLogger(testLogger()))
		_, err := client.Do(context.Background(), http.MethodPost, "/pets", map[string]string{"name": "x"}, nil, false)
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
		assert.Equal(t, "VALIDATION", apiErr.Code)
		assert.Equal(t, "name too long", apiErr.Message)
		assert.Equal(t, "name", apiErr.Details["field"])
		assert.NotErrorIs(t, err, ErrNetwork)
	})

	t.Run("unparseable body falls back to status text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("<html>boom</html>"))
		}))
		defer srv.Close()

		client := New(WithBaseURL(srv.URL), WithRetry(fastRetry(1)), WithLogger(testLogger()))
		_, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusText(http.StatusInternalServerError), apiErr.Message)
	})
}

// ============================================================================
// Token refresh
// ============================================================================

// authedBackend accepts only the given bearer token on data routes and issues
// a replacement through /auth/refresh.
func authedBackend(t *testing.T, accept string, next string, refreshCalls *int32, refreshDelay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(refreshCalls, 1)
		time.Sleep(refreshDelay)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["refreshToken"])
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: next})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+accept {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"token expired","code":"AUTH_EXPIRED"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	return httptest.NewServer(mux)
}

func TestDoRefreshesAndReplaysOn401(t *testing.T) {
	var refreshCalls int32
	srv := authedBackend(t, "token-b", "token-b", &refreshCalls, 0)
	defer srv.Close()

	client := New(WithBaseURL(srv.URL), WithLogger(testLogger()))
	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "token-a", RefreshToken: "refresh-1"}))

	data, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, "token-b", client.Tokens().AccessToken())
	// Refresh responses without a rotated refresh token keep the old one.
	assert.Equal(t, "refresh-1", client.Tokens().RefreshToken())
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	var refreshCalls int32
	srv := authedBackend(t, "token-b", "token-b", &refreshCalls, 50*time.Millisecond)
	defer srv.Close()

	client := New(WithBaseURL(srv.URL), WithLogger(testLogger()))
	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "token-a", RefreshToken: "refresh-1"}))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Do(context.Background(), http.MethodGet, "/matching/matches", nil, nil, false)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls), "refresh token must be spent once")
}

func TestDo401WithoutRefreshTokenFailsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"unauthorized"}`))
	}))
	defer srv.Close()

	client := New(WithBaseURL(srv.URL), WithLogger(testLogger()))
	// Access token only: recovery through refresh is impossible.
	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "stale"}))

	_, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Nil(t, client.Tokens().Get(), "tokens must be cleared")
}

func TestDoFailedRefreshClearsTokens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"refresh token revoked"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token expired"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(WithBaseURL(srv.URL), WithLogger(testLogger()))
	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "a", RefreshToken: "r"}))

	_, err := client.Do(context.Background(), http.MethodGet, "/pets/p1", nil, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Nil(t, client.Tokens().Get())
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestLoginLogout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds LoginOptions
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "ada@example.com", creds.Email)
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "acc-1", RefreshToken: "ref-1", UserID: "u1"})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewMemoryStorage()
	client := New(WithBaseURL(srv.URL), WithTokenStore(NewTokenStore(store)), WithLogger(testLogger()))

	resp, err := client.Login(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, "acc-1", client.Tokens().AccessToken())

	// Tokens survive into a fresh store over the same storage.
	assert.Equal(t, "acc-1", NewTokenStore(store).AccessToken())

	require.NoError(t, client.Logout(context.Background()))
	assert.Nil(t, client.Tokens().Get())
	_, ok, err := store.Get(storageKeyTokens)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogoutClearsTokensEvenWhenServerUnreachable(t *testing.T) {
	client := New(
		WithBaseURL("http://waggle.invalid"),
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("no route to host")
		})}),
		WithRetry(fastRetry(1)),
		WithLogger(testLogger()),
	)
	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, client.Logout(context.Background()))
	assert.Nil(t, client.Tokens().Get())
}

func TestRealtimeURL(t *testing.T) {
	client := New(WithBaseURL("https://api.waggle.dev"))
	assert.Equal(t, "wss://api.waggle.dev/realtime", client.RealtimeURL())

	require.NoError(t, client.Tokens().Set(StoredTokens{AccessToken: "a b+c"}))
	assert.Equal(t, "wss://api.waggle.dev/realtime?token=a+b%2Bc", client.RealtimeURL())
}
