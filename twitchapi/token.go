package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth2 token endpoint used for the client-credentials grant.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// tokenRefreshBuffer is how close to expiry a cached token may get before it is replaced.
const tokenRefreshBuffer = 60 * time.Second

// defaultTokenTimeout bounds one token request when Timeout is unset.
const defaultTokenTimeout = 10 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Concurrent callers share a single refresh: the first caller holds the write lock
// while authenticating and the rest observe the fresh token once it is released.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides DefaultTokenURL (tests).
	TokenURL   string
	HTTPClient *http.Client
	// Timeout bounds each token request (default 10s); refresh holds the write lock.
	Timeout time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token. It re-authenticates when no
// token exists or the cached one expires within a minute.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > tokenRefreshBuffer {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// Authenticate unconditionally obtains a new token, replacing any cached one.
func (ts *TokenSource) Authenticate(ctx context.Context) (string, error) {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
	return ts.refresh(ctx)
}

// Invalidate drops the cached token if it is still the given (rejected) value, so the
// next Get re-authenticates. Tokens already replaced by another caller are kept.
func (ts *TokenSource) Invalidate(rejected string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == rejected {
		ts.token = ""
		ts.expiresAt = time.Time{}
	}
}

// SetToken seeds the cache, mainly for tests.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

// ExpiresAt reports the expiry of the cached token (zero when none).
func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expiresAt
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > tokenRefreshBuffer {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Err: errors.New("missing client id/secret for twitch app token")}
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		// Twitch expects client_id/client_secret in the form body, not basic auth.
		AuthStyle: oauth2.AuthStyleInParams,
	}
	timeout := ts.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", authErrorFrom(err)
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Err: errors.New("empty access_token in twitch response")}
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = ComputeExpiry(0)
	}
	ts.token = tok.AccessToken
	ts.expiresAt = expiry
	return ts.token, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func authErrorFrom(err error) *AuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae := &AuthError{Err: err, Body: string(re.Body)}
		if re.Response != nil {
			ae.StatusCode = re.Response.StatusCode
		}
		return ae
	}
	return &AuthError{Err: err}
}
