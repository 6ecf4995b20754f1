// Package twitchapi contains the Twitch Helix client used by the live monitor:
// batched live-status lookups and user profile resolution, authenticated with an
// app access token from the client-credentials grant.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livewatch/telemetry"
)

const (
	// DefaultBaseURL is the Helix API root.
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// MaxLoginsPerRequest is the Helix limit of login filters per query.
	MaxLoginsPerRequest = 100

	helixMaxRetries       = 3
	defaultRequestTimeout = 10 * time.Second
	defaultRetryInterval  = 500 * time.Millisecond
)

// Stream is one live broadcast as reported by /helix/streams. Absence of a login in
// the response means the channel is offline.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// User is the canonical identity of a channel from /helix/users.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// HelixClient issues authenticated Helix requests with a bounded per-request
// timeout and a bounded number of attempts for transient failures.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	// BaseURL overrides DefaultBaseURL (tests).
	BaseURL string
	// RequestTimeout bounds a single attempt (default 10s).
	RequestTimeout time.Duration
	// MaxAttempts bounds attempts per request, including the first (default 3).
	MaxAttempts int
	// RetryInterval is the initial backoff between attempts (default 500ms).
	RetryInterval time.Duration
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (hc *HelixClient) timeout() time.Duration {
	if hc.RequestTimeout > 0 {
		return hc.RequestTimeout
	}
	return defaultRequestTimeout
}

func (hc *HelixClient) maxAttempts() int {
	if hc.MaxAttempts > 0 {
		return hc.MaxAttempts
	}
	return helixMaxRetries
}

func (hc *HelixClient) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultRetryInterval
	if hc.RetryInterval > 0 {
		eb.InitialInterval = hc.RetryInterval
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(hc.maxAttempts()-1)), ctx)
}

// NormalizeLogins lowercases, trims and de-duplicates logins, dropping empty ones.
// Order of first occurrence is preserved.
func NormalizeLogins(logins []string) []string {
	seen := make(map[string]struct{}, len(logins))
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Chunk splits logins into consecutive slices of at most size elements.
func Chunk(logins []string, size int) [][]string {
	if size <= 0 {
		size = MaxLoginsPerRequest
	}
	var out [][]string
	for i := 0; i < len(logins); i += size {
		end := i + size
		if end > len(logins) {
			end = len(logins)
		}
		out = append(out, logins[i:end])
	}
	return out
}

// GetLiveStatuses returns the streams currently live among logins. One request is
// issued per MaxLoginsPerRequest logins; logins absent from the result are offline.
func (hc *HelixClient) GetLiveStatuses(ctx context.Context, logins []string) ([]Stream, error) {
	logins = NormalizeLogins(logins)
	var out []Stream
	for _, chunk := range Chunk(logins, MaxLoginsPerRequest) {
		q := url.Values{}
		for _, l := range chunk {
			q.Add("user_login", l)
		}
		q.Set("first", strconv.Itoa(MaxLoginsPerRequest))
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.getJSON(ctx, "streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// GetUserProfiles resolves logins to their canonical profiles. Unknown logins are
// simply missing from the result.
func (hc *HelixClient) GetUserProfiles(ctx context.Context, logins []string) ([]User, error) {
	logins = NormalizeLogins(logins)
	var out []User
	for _, chunk := range Chunk(logins, MaxLoginsPerRequest) {
		q := url.Values{}
		for _, l := range chunk {
			q.Add("login", l)
		}
		var body struct {
			Data []User `json:"data"`
		}
		if err := hc.getJSON(ctx, "users", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// getJSON performs GET {base}/{endpoint}?{q} and decodes the body into out.
// 429/5xx and transport failures are retried; a 401 invalidates the app token and is
// retried once with a fresh one; other non-2xx statuses fail immediately.
func (hc *HelixClient) getJSON(ctx context.Context, endpoint string, q url.Values, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix.request", attribute.String("helix.endpoint", endpoint))
	defer span.End()

	reauthed := false
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, hc.timeout())
		defer cancel()
		tok, err := hc.AppTokenSource.Get(actx)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(actx, http.MethodGet, hc.baseURL()+"/"+endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Client-ID", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			telemetry.ObserveProviderRequest(endpoint, 0)
			pe := &ProviderError{Endpoint: endpoint, Err: err, Retryable: retryableTransport(ctx)}
			if !pe.Retryable {
				return backoff.Permanent(pe)
			}
			return pe
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		telemetry.ObserveProviderRequest(endpoint, resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			reauthed = true
			hc.AppTokenSource.Invalidate(tok)
			slog.Debug("helix rejected app token; re-authenticating", slog.String("endpoint", endpoint), slog.String("component", "twitch"))
			return &ProviderError{Endpoint: endpoint, StatusCode: resp.StatusCode, Retryable: true}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			pe := &ProviderError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b)), Retryable: retryableStatus(resp.StatusCode)}
			if !pe.Retryable {
				return backoff.Permanent(pe)
			}
			return pe
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(&ProviderError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)})
		}
		return nil
	}
	err := backoff.Retry(op, hc.newBackOff(ctx))
	if err != nil {
		telemetry.RecordError(span, err)
		slog.Debug("helix request failed", slog.String("endpoint", endpoint), slog.Int("attempts", attempt), slog.Any("err", err), slog.String("component", "twitch"))
		return err
	}
	return nil
}
