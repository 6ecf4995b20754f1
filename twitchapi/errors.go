package twitchapi

import (
	"context"
	"errors"
	"fmt"
)

// AuthError reports a failed client-credentials exchange. While it persists no
// Helix request can be made, so callers abandon the rest of the current cycle.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("twitch auth failed: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("twitch auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError reports a failed Helix request (non-2xx, timeout, transport error).
type ProviderError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("helix %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("helix %s: %v", e.Endpoint, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or anything it wraps) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// retryableStatus mirrors the transient classes the rest of the service retries:
// rate limiting and 5xx.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// retryableTransport reports whether a transport-level error is worth another attempt.
// Expiry of a single attempt's timeout is retryable; cancellation of the caller is not.
func retryableTransport(ctx context.Context) bool {
	return ctx.Err() == nil
}
