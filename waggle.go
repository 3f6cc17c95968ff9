// Package waggle is the Go client SDK for the Waggle pet social API.
//
// It implements the client-side resilience layer: an authenticated HTTP
// pipeline with timeout, idempotent-retry, and transparent token refresh; a
// realtime connection manager with reconnect backoff and heartbeat; a message
// delivery controller with acknowledgment tracking; and a durable offline
// action queue.
//
// Example:
//
//	client := waggle.New(waggle.WithBaseURL("https://api.waggle.dev"))
//	client.Login(ctx, "ada@example.com", "secret")
//
//	// Domain API (sub-client pattern)
//	msg, _ := client.Chat().Send(ctx, &waggle.SendMessageOptions{...})
//	client.Matching().Like(ctx, &waggle.SwipeOptions{PetID: "p1", TargetPetID: "p2"})
//
//	// Realtime
//	conn := client.Realtime(nil)
//	conn.On("chat:message", func(msg waggle.WebSocketMessage) { ... })
//	conn.Connect(ctx)
package waggle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.waggle.app"
	DefaultTimeout = 30 * time.Second
)

// RetryConfig bounds automatic retries of idempotent requests that fail with
// a network error. Delay grows as BaseDelay × 2^attempt, capped at MaxDelay.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// ============================================================================
// Client
// ============================================================================

// Client performs authenticated REST calls against the Waggle backend.
// It owns the token pair and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryConfig
	tokens     *TokenStore
	logger     *slog.Logger

	refreshMu sync.Mutex
	refresh   *refreshCall

	chat      *ChatClient
	matching  *MatchingClient
	pets      *PetsClient
	media     *MediaClient
	playdates *PlaydatesClient
	feed      *FeedClient
	purchases *PurchasesClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithTokenStore replaces the default memory-backed token store, typically
// with one backed by BoltStorage so sessions survive restarts.
func WithTokenStore(store *TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// New creates a Waggle client.
func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		retry:   defaultRetryConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.tokens == nil {
		c.tokens = NewTokenStore(NewMemoryStorage())
	}

	c.chat = &ChatClient{c: c}
	c.matching = &MatchingClient{c: c}
	c.pets = &PetsClient{c: c}
	c.media = &MediaClient{c: c}
	c.playdates = &PlaydatesClient{c: c}
	c.feed = &FeedClient{c: c}
	c.purchases = &PurchasesClient{c: c}
	return c
}

// Tokens returns the client's token store.
func (c *Client) Tokens() *TokenStore { return c.tokens }

func (c *Client) Chat() *ChatClient           { return c.chat }
func (c *Client) Matching() *MatchingClient   { return c.matching }
func (c *Client) Pets() *PetsClient           { return c.pets }
func (c *Client) Media() *MediaClient         { return c.media }
func (c *Client) Playdates() *PlaydatesClient { return c.playdates }
func (c *Client) Feed() *FeedClient           { return c.feed }
func (c *Client) Purchases() *PurchasesClient { return c.purchases }

// RealtimeURL returns the WebSocket endpoint, with the access token as a
// query parameter when one is held.
func (c *Client) RealtimeURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token := c.tokens.AccessToken(); token != "" {
		return base + "/realtime?token=" + url.QueryEscape(token)
	}
	return base + "/realtime"
}

// ============================================================================
// Auth
// ============================================================================

// Login authenticates with credentials and persists the returned tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	data, err := c.Do(ctx, http.MethodPost, "/auth/login", &LoginOptions{Email: email, Password: password}, nil, false)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[TokenResponse](data)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.Set(StoredTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	return resp, nil
}

// Logout clears the token pair. The server-side session revocation is
// best-effort: a failure is logged and discarded.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.Do(ctx, http.MethodPost, "/auth/logout", nil, nil, false); err != nil {
		c.logger.Debug("logout notification failed", "error", err)
	}
	return c.tokens.Clear()
}

// refreshCall is the shared in-flight token refresh. Concurrent 401s await
// the same call so the refresh token is only spent once.
type refreshCall struct {
	done chan struct{}
	err  error
}

// refreshTokens runs (or joins) the singleflight refresh.
func (c *Client) refreshTokens(ctx context.Context) error {
	c.refreshMu.Lock()
	if call := c.refresh; call != nil {
		c.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.refresh = call
	c.refreshMu.Unlock()

	call.err = c.doRefresh(ctx)

	c.refreshMu.Lock()
	c.refresh = nil
	c.refreshMu.Unlock()
	close(call.done)
	return call.err
}

func (c *Client) doRefresh(ctx context.Context) error {
	refresh := c.tokens.RefreshToken()
	if refresh == "" {
		_ = c.tokens.Clear()
		return &AuthError{Err: errors.New("no refresh token")}
	}

	body := map[string]string{"refreshToken": refresh}
	data, err := c.exchangeOnce(ctx, http.MethodPost, "/auth/refresh", body, nil, false)
	if err != nil {
		_ = c.tokens.Clear()
		return &AuthError{Err: err}
	}
	resp, err := decodeJSON[TokenResponse](data)
	if err != nil {
		_ = c.tokens.Clear()
		return &AuthError{Err: err}
	}
	if err := c.tokens.Set(StoredTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}
	c.logger.Debug("access token refreshed")
	return nil
}

// ============================================================================
// Request pipeline
// ============================================================================

// Do performs a request through the full pipeline: auth header, timeout,
// idempotent retry with exponential backoff, and 401-triggered refresh with a
// single replay. GET/PUT/DELETE are idempotent by default; pass idempotent to
// opt a POST/PATCH into transient retries.
func (c *Client) Do(ctx context.Context, method, path string, body any, query url.Values, idempotent bool) ([]byte, error) {
	tries := 1
	if idempotent || isIdempotent(method) {
		tries = c.retry.Attempts
		if tries < 1 {
			tries = 1
		}
	}

	refreshed := false
	attempt := 0
	for {
		data, err := c.exchangeOnce(ctx, method, path, body, query, true)
		if err == nil {
			return data, nil
		}

		// One transparent refresh + replay per request.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			if refreshed || c.tokens.RefreshToken() == "" {
				_ = c.tokens.Clear()
				return nil, &AuthError{Err: err}
			}
			if err := c.refreshTokens(ctx); err != nil {
				return nil, err
			}
			refreshed = true
			continue
		}

		// Transient failures back off and retry while budget remains.
		if errors.Is(err, ErrNetwork) && attempt+1 < tries {
			delay := backoffDelay(c.retry.BaseDelay, c.retry.MaxDelay, attempt)
			c.logger.Debug("retrying request",
				"method", method, "path", path, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			attempt++
			continue
		}

		return nil, err
	}
}

// exchangeOnce performs a single HTTP exchange and classifies the outcome
// into the pipeline's error taxonomy.
func (c *Client) exchangeOnce(ctx context.Context, method, path string, body any, query url.Values, withAuth bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		op := method + " " + path
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, &NetworkError{Op: op, Timeout: true, Err: err}
		}
		if ctx.Err() != nil {
			// Caller cancellation is not a transport failure.
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp, data)
	}
	return data, nil
}

// parseAPIError builds an APIError from an error response body, falling back
// to the HTTP status text when the body is not the expected JSON shape.
func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	var parsed struct {
		Message string         `json:"message"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
		apiErr.Code = parsed.Code
		apiErr.Details = parsed.Details
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Domain sub-clients
// ============================================================================

// ChatClient handles conversations and messages.
type ChatClient struct{ c *Client }

func (ch *ChatClient) Send(ctx context.Context, opts *SendMessageOptions) (*ChatMessage, error) {
	data, err := ch.c.Do(ctx, http.MethodPost, "/chat/conversations/"+opts.ConversationID+"/messages", opts, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatMessage](data)
}

func (ch *ChatClient) Messages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := ch.c.Do(ctx, http.MethodGet, "/chat/conversations/"+conversationID+"/messages", nil, query, false)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]ChatMessage](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// MatchingClient handles swipes and matches.
type MatchingClient struct{ c *Client }

func (m *MatchingClient) Like(ctx context.Context, opts *SwipeOptions) (*Match, error) {
	data, err := m.c.Do(ctx, http.MethodPost, "/matching/likes", opts, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Match](data)
}

func (m *MatchingClient) Pass(ctx context.Context, opts *SwipeOptions) error {
	_, err := m.c.Do(ctx, http.MethodPost, "/matching/passes", opts, nil, false)
	return err
}

func (m *MatchingClient) Matches(ctx context.Context) ([]Match, error) {
	data, err := m.c.Do(ctx, http.MethodGet, "/matching/matches", nil, nil, false)
	if err != nil {
		return nil, err
	}
	matches, err := decodeJSON[[]Match](data)
	if err != nil {
		return nil, err
	}
	return *matches, nil
}

// PetsClient handles pet profiles.
type PetsClient struct{ c *Client }

func (p *PetsClient) Get(ctx context.Context, petID string) (*PetProfile, error) {
	data, err := p.c.Do(ctx, http.MethodGet, "/pets/"+petID, nil, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PetProfile](data)
}

func (p *PetsClient) Create(ctx context.Context, profile *PetProfile) (*PetProfile, error) {
	data, err := p.c.Do(ctx, http.MethodPost, "/pets", profile, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PetProfile](data)
}

func (p *PetsClient) Update(ctx context.Context, profile *PetProfile) (*PetProfile, error) {
	data, err := p.c.Do(ctx, http.MethodPut, "/pets/"+profile.ID, profile, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PetProfile](data)
}

// MediaClient handles photo uploads.
type MediaClient struct{ c *Client }

func (m *MediaClient) Upload(ctx context.Context, opts *PhotoUploadOptions) (*Photo, error) {
	data, err := m.c.Do(ctx, http.MethodPost, "/media/photos", opts, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Photo](data)
}

// PlaydatesClient handles playdate scheduling.
type PlaydatesClient struct{ c *Client }

func (p *PlaydatesClient) Schedule(ctx context.Context, playdate *Playdate) (*Playdate, error) {
	data, err := p.c.Do(ctx, http.MethodPost, "/playdates", playdate, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Playdate](data)
}

func (p *PlaydatesClient) List(ctx context.Context) ([]Playdate, error) {
	data, err := p.c.Do(ctx, http.MethodGet, "/playdates", nil, nil, false)
	if err != nil {
		return nil, err
	}
	dates, err := decodeJSON[[]Playdate](data)
	if err != nil {
		return nil, err
	}
	return *dates, nil
}

// FeedClient handles the community feed.
type FeedClient struct{ c *Client }

func (f *FeedClient) Posts(ctx context.Context, limit int) ([]Post, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := f.c.Do(ctx, http.MethodGet, "/feed/posts", nil, query, false)
	if err != nil {
		return nil, err
	}
	posts, err := decodeJSON[[]Post](data)
	if err != nil {
		return nil, err
	}
	return *posts, nil
}

func (f *FeedClient) CreatePost(ctx context.Context, post *Post) (*Post, error) {
	data, err := f.c.Do(ctx, http.MethodPost, "/feed/posts", post, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Post](data)
}

func (f *FeedClient) Comment(ctx context.Context, comment *Comment) (*Comment, error) {
	data, err := f.c.Do(ctx, http.MethodPost, "/feed/posts/"+comment.PostID+"/comments", comment, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Comment](data)
}

func (f *FeedClient) React(ctx context.Context, opts *ReactionOptions) error {
	// Reactions are upserts server-side, so a retried duplicate is harmless.
	_, err := f.c.Do(ctx, http.MethodPost, "/feed/reactions", opts, nil, true)
	return err
}

func (f *FeedClient) Report(ctx context.Context, opts *ReportOptions) error {
	_, err := f.c.Do(ctx, http.MethodPost, "/feed/reports", opts, nil, false)
	return err
}

// PurchasesClient reads plan entitlements.
type PurchasesClient struct{ c *Client }

func (p *PurchasesClient) Entitlements(ctx context.Context) ([]Entitlement, error) {
	data, err := p.c.Do(ctx, http.MethodGet, "/purchases/entitlements", nil, nil, false)
	if err != nil {
		return nil, err
	}
	ents, err := decodeJSON[[]Entitlement](data)
	if err != nil {
		return nil, err
	}
	return *ents, nil
}

// ============================================================================
// Sync queue persistence endpoints
// ============================================================================

// getSyncQueue fetches the remotely persisted action queue.
func (c *Client) getSyncQueue(ctx context.Context) ([]PendingSyncAction, error) {
	data, err := c.Do(ctx, http.MethodGet, "/sync/queue", nil, nil, false)
	if err != nil {
		return nil, err
	}
	actions, err := decodeJSON[[]PendingSyncAction](data)
	if err != nil {
		return nil, err
	}
	return *actions, nil
}

// putSyncQueue persists the full action queue remotely.
func (c *Client) putSyncQueue(ctx context.Context, actions []PendingSyncAction) error {
	_, err := c.Do(ctx, http.MethodPost, "/sync/queue", actions, nil, false)
	return err
}

// putLastSync records the last successful full-sync time remotely.
func (c *Client) putLastSync(ctx context.Context, at time.Time) error {
	_, err := c.Do(ctx, http.MethodPost, "/sync/last-sync", map[string]int64{"lastSyncAt": at.UnixMilli()}, nil, false)
	return err
}
