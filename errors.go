package waggle

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error kinds
// ============================================================================

// ErrNetwork matches any transport-level failure (timeout or unreachable).
// Use errors.Is(err, ErrNetwork) to decide whether a call is retryable.
var ErrNetwork = errors.New("network error")

// ErrAuthExpired matches a 401 whose token refresh failed or was impossible.
// The token store has already been cleared; the caller must re-authenticate.
var ErrAuthExpired = errors.New("authentication expired")

// APIError represents a well-formed HTTP error response from the backend.
// It is never retried automatically.
type APIError struct {
	Status  int            `json:"status"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// NetworkError is a transport-level failure: either the request timed out
// or the backend was unreachable (no response at all).
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: network unreachable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// AuthError wraps the failure that exhausted the refresh path.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "authentication expired: " + e.Err.Error()
	}
	return "authentication expired"
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthExpired }
