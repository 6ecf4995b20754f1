// Package twitchmock serves fake Twitch token and Helix endpoints for tests.
package twitchmock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch token endpoint and
// the Helix streams/users endpoints.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests map[string]int
	tokens   atomic.Int32
}

// NewMockTwitchServer creates a new mock Twitch API server. Helix lives under
// /helix and the token endpoint under /oauth2/token, like the real hosts.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	m.MockOAuthTokenResponse("test-token", 3600)
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to hand to twitchapi.HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the token endpoint to hand to twitchapi.TokenSource.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Requests returns how many requests hit path.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// TokensIssued returns how many tokens the mock token endpoint has handed out.
func (m *MockTwitchServer) TokensIssued() int { return int(m.tokens.Load()) }

// Handle installs a handler for path, replacing any previous one.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// MockUserResponse adds a handler for /helix/users returning one user per requested
// login found in profiles (keyed by lowercase login).
func (m *MockTwitchServer) MockUserResponse(profiles map[string]map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, login := range r.URL.Query()["login"] {
			if p, ok := profiles[strings.ToLower(login)]; ok {
				data = append(data, p)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	})
}

// MockStreamsResponse adds a handler for /helix/streams returning the streams whose
// user_login was requested.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		want := map[string]bool{}
		for _, l := range r.URL.Query()["user_login"] {
			want[strings.ToLower(l)] = true
		}
		data := []map[string]interface{}{}
		for _, s := range streams {
			if login, _ := s["user_login"].(string); want[strings.ToLower(login)] {
				data = append(data, s)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		m.tokens.Add(1)
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockStatus makes path answer with a fixed status code and body.
func (m *MockTwitchServer) MockStatus(path string, code int, body string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	})
}
