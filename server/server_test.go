package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/monitor"
	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/testutil"
	"github.com/onnwee/livewatch/twitchapi"
)

type fakePinger struct{ err error }

func (p *fakePinger) PingContext(context.Context) error { return p.err }

type fakeTwitch struct {
	users map[string]twitchapi.User
	err   error
}

func (f *fakeTwitch) GetLiveStatuses(context.Context, []string) ([]twitchapi.Stream, error) {
	return nil, nil
}

func (f *fakeTwitch) GetUserProfiles(_ context.Context, logins []string) ([]twitchapi.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []twitchapi.User
	for _, l := range twitchapi.NormalizeLogins(logins) {
		if u, ok := f.users[l]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeChecker struct{ err error }

func (c *fakeChecker) CheckChannel(context.Context, string) error { return c.err }

type testEnv struct {
	store   *testutil.MemoryStore
	msgr    *testutil.FakeMessenger
	twitch  *fakeTwitch
	pinger  *fakePinger
	mon     *monitor.Monitor
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg *config.Config, checker ChannelChecker) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	env := &testEnv{
		store:  testutil.NewMemoryStore(),
		msgr:   testutil.NewFakeMessenger(),
		twitch: &fakeTwitch{users: map[string]twitchapi.User{}},
		pinger: &fakePinger{},
	}
	env.mon = monitor.New(env.store, env.twitch, notify.NewDispatcher(env.msgr, env.store), nil, monitor.Options{Interval: time.Minute})
	env.handler = NewMux(cfg, Deps{
		DB:       env.pinger,
		Store:    env.store,
		Monitor:  env.mon,
		Profiles: env.twitch,
		Channels: checker,
	})
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}

	env.pinger.err = errors.New("connection refused")
	if rr := env.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first cycle, got %d", rr.Code)
	}
	if resp := decode[map[string]string](t, rr); resp["failed_check"] != "poll_cycle" {
		t.Fatalf("expected poll_cycle failure, got %v", resp)
	}

	env.mon.RunCycle(context.Background())
	rr = env.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after a cycle, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decode[map[string]string](t, rr); resp["status"] != "ready" {
		t.Fatalf("expected status=ready, got %v", resp)
	}

	if err := env.store.RecordHeartbeat(context.Background(), time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	rr = env.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a stale heartbeat, got %d", rr.Code)
	}

	env.pinger.err = errors.New("down")
	rr = env.do(http.MethodGet, "/readyz", "")
	if resp := decode[map[string]string](t, rr); resp["failed_check"] != "database" {
		t.Fatalf("expected database failure first, got %v", resp)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.store.Put(db.TrackedEntity{TenantID: "g1", Handle: "foo"})

	resp := decode[statusResponse](t, env.do(http.MethodGet, "/status", ""))
	if resp.LastCycle != nil || resp.IntervalSeconds != 60 {
		t.Fatalf("unexpected status before first cycle: %+v", resp)
	}

	env.mon.RunCycle(context.Background())
	resp = decode[statusResponse](t, env.do(http.MethodGet, "/status", ""))
	if resp.LastCycle == nil || resp.LastCycle.Tracked != 1 || resp.LastCycle.Live != 0 {
		t.Fatalf("unexpected last cycle: %+v", resp.LastCycle)
	}
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	env := newTestEnv(t, &config.Config{AdminToken: "tok"}, nil)

	if rr := env.do(http.MethodGet, "/admin/monitor", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	req.Header.Set("X-Admin-Token", "tok")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("health endpoints must stay public, got %d", rr.Code)
	}
}

func TestAdminRateLimited(t *testing.T) {
	env := newTestEnv(t, &config.Config{RateLimitRequests: 1, RateLimitWindow: time.Minute}, nil)

	if rr := env.do(http.MethodGet, "/admin/monitor", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/admin/monitor", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestAdminMonitor(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := decode[monitorResponse](t, env.do(http.MethodGet, "/admin/monitor", ""))
	if resp.LastHeartbeat != nil || resp.LastCycle != nil {
		t.Fatalf("expected empty monitor state, got %+v", resp)
	}

	env.mon.RunCycle(context.Background())
	resp = decode[monitorResponse](t, env.do(http.MethodGet, "/admin/monitor", ""))
	if resp.LastHeartbeat == nil || resp.LastCycle == nil {
		t.Fatalf("expected heartbeat and cycle after RunCycle, got %+v", resp)
	}
}

func TestAdminAddEntity(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.twitch.users["foo"] = twitchapi.User{ID: "1", Login: "foo", DisplayName: "Foo", ProfileImageURL: "https://img/foo.png"}

	rr := env.do(http.MethodPost, "/admin/tenants/g1/entities", `{"handle":"Foo"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	e := env.store.Entity("g1", "foo")
	if e == nil || e.DisplayName != "Foo" || e.AvatarURL != "https://img/foo.png" {
		t.Fatalf("entity not stored with its profile: %+v", e)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"already tracked", `{"handle":"foo"}`, http.StatusConflict},
		{"too short", `{"handle":"ab"}`, http.StatusBadRequest},
		{"invalid characters", `{"handle":"foo-bar"}`, http.StatusBadRequest},
		{"unknown on twitch", `{"handle":"nobody"}`, http.StatusNotFound},
		{"malformed body", `{"handle":`, http.StatusBadRequest},
		{"unknown field", `{"login":"foo"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(http.MethodPost, "/admin/tenants/g1/entities", tt.body); rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}

	env.twitch.err = errors.New("helix down")
	if rr := env.do(http.MethodPost, "/admin/tenants/g1/entities", `{"handle":"bar"}`); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when twitch fails, got %d", rr.Code)
	}
}

func TestAdminTenantConfig(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	if rr := env.do(http.MethodGet, "/admin/tenants/g1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", rr.Code)
	}

	env.store.Put(db.TrackedEntity{TenantID: "g1", Handle: "foo"})
	if err := env.store.SetDeliveryError(ctx, "g1", "channel c0 unavailable"); err != nil {
		t.Fatal(err)
	}

	rr := env.do(http.MethodPut, "/admin/tenants/g1/channel", `{"channel_id":"c9"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("set channel: %d %s", rr.Code, rr.Body.String())
	}
	cfg := decode[db.TenantConfig](t, rr)
	if cfg.NotificationChannelID != "c9" || cfg.LastDeliveryError != "" {
		t.Fatalf("unexpected config after channel change: %+v", cfg)
	}

	if rr := env.do(http.MethodPut, "/admin/tenants/g1/channel", `{"channel_id":" "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty channel, got %d", rr.Code)
	}

	cfg = decode[db.TenantConfig](t, env.do(http.MethodPut, "/admin/tenants/g1/role", `{"role_id":"r1"}`))
	if cfg.MentionRoleID != "r1" {
		t.Fatalf("role not set: %+v", cfg)
	}

	msg := decode[messageResponse](t, env.do(http.MethodPut, "/admin/tenants/g1/message", `{"message":"@role {streamer} live"}`))
	if msg.Preview != "<@&r1> StreamerName live" {
		t.Fatalf("unexpected preview %q", msg.Preview)
	}

	long := `{"message":"` + strings.Repeat("x", 2001) + `"}`
	if rr := env.do(http.MethodPut, "/admin/tenants/g1/message", long); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized template, got %d", rr.Code)
	}

	tenant := decode[tenantResponse](t, env.do(http.MethodGet, "/admin/tenants/g1", ""))
	if tenant.Config.CustomMessage != "@role {streamer} live" || len(tenant.Entities) != 1 {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}

	if rr := env.do(http.MethodDelete, "/admin/tenants/g1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if env.store.Entity("g1", "foo") != nil {
		t.Fatal("tenant deletion should remove its entities")
	}
	if rr := env.do(http.MethodGet, "/admin/tenants/g1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestAdminSetChannelVerifiesAccess(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"accessible", nil, http.StatusOK},
		{"missing permissions", &notify.ChannelUnavailableError{ChannelID: "c9", Reason: "missing permissions"}, http.StatusUnprocessableEntity},
		{"unknown channel", notify.ErrNotFound, http.StatusUnprocessableEntity},
		{"discord unreachable", errors.New("timeout"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, &fakeChecker{err: tt.err})
			rr := env.do(http.MethodPut, "/admin/tenants/g1/channel", `{"channel_id":"c9"}`)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			_, err := env.store.GetTenantConfig(context.Background(), "g1")
			if stored := err == nil; stored != (tt.err == nil) {
				t.Fatalf("channel stored=%v, want %v", stored, tt.err == nil)
			}
		})
	}
}

func TestAdminEntityMessageAndSessions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	e := env.store.Put(db.TrackedEntity{TenantID: "g1", Handle: "foo", DisplayName: "Foo"})
	for _, s := range []string{"s1", "s2", "s3"} {
		if err := env.store.AppendSessionHistory(ctx, e.ID, s, "title "+s, "Chess", 5); err != nil {
			t.Fatal(err)
		}
	}

	msg := decode[messageResponse](t, env.do(http.MethodPut, "/admin/tenants/g1/entities/foo/message", `{"message":"{streamer} at {url}"}`))
	if msg.Preview != "Foo at https://twitch.tv/foo" {
		t.Fatalf("unexpected preview %q", msg.Preview)
	}
	if got := env.store.Entity("g1", "foo").CustomMessage; got != "{streamer} at {url}" {
		t.Fatalf("entity message = %q", got)
	}

	sessions := decode[[]db.SessionRecord](t, env.do(http.MethodGet, "/admin/tenants/g1/entities/foo/sessions?limit=2", ""))
	if len(sessions) != 2 || sessions[0].SessionID != "s3" {
		t.Fatalf("expected the two newest sessions, got %+v", sessions)
	}
	sessions = decode[[]db.SessionRecord](t, env.do(http.MethodGet, "/admin/tenants/g1/entities/foo/sessions", ""))
	if len(sessions) != 3 {
		t.Fatalf("expected all sessions with the default limit, got %d", len(sessions))
	}

	if rr := env.do(http.MethodGet, "/admin/tenants/g1/entities/bar/sessions", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked handle, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPut, "/admin/tenants/g1/entities/bar/message", `{"message":"x"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked handle, got %d", rr.Code)
	}

	if rr := env.do(http.MethodDelete, "/admin/tenants/g1/entities/foo", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := env.do(http.MethodDelete, "/admin/tenants/g1/entities/foo", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rr.Code)
	}
}

func TestAdminTestNotification(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.store.PutTenant(db.TenantConfig{TenantID: "g1", NotificationChannelID: "c1"})
	env.store.Put(db.TrackedEntity{TenantID: "g1", Handle: "foo", DisplayName: "Foo"})
	env.store.Put(db.TrackedEntity{TenantID: "g2", Handle: "foo"})
	env.store.Put(db.TrackedEntity{TenantID: "g1", Handle: "gone"})
	env.twitch.users["foo"] = twitchapi.User{ID: "1", Login: "foo", DisplayName: "Foo"}

	rr := env.do(http.MethodPost, "/admin/tenants/g1/test-notification", `{"handle":"foo"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	ref := decode[db.NotificationRef](t, rr)
	sent := env.msgr.Sent()
	if len(sent) != 1 || ref.MessageID != sent[0].ID || sent[0].ChannelID != "c1" {
		t.Fatalf("unexpected send: ref=%+v sent=%+v", ref, sent)
	}
	if env.store.Entity("g1", "foo").Notification != nil {
		t.Fatal("test notifications must not be recorded")
	}

	if rr := env.do(http.MethodPost, "/admin/tenants/g1/test-notification", `{"handle":"bar"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked handle, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/admin/tenants/g1/test-notification", `{"handle":"gone"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a handle unknown to twitch, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/admin/tenants/g2/test-notification", `{"handle":"foo"}`); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a channel, got %d", rr.Code)
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, &config.Config{HTTPAddr: "127.0.0.1:0"}, Deps{DB: env.pinger, Store: env.store, Monitor: env.mon, Profiles: env.twitch})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
