package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

// ErrUserNotFound reports that Twitch has no user for a tracked handle.
var ErrUserNotFound = errors.New("twitch user not found")

const (
	testTitle    = "🧪 This is a test notification!"
	testCategory = "Just Chatting"
)

// SendTestNotification posts a notification for a tracked channel so a tenant
// can check its channel, role and template. The live stream is used when the
// channel is live, otherwise a placeholder one built from the channel's current
// Twitch profile. Nothing is persisted.
func (m *Monitor) SendTestNotification(ctx context.Context, tenantID, handle string) (*db.NotificationRef, error) {
	e, err := m.Store.GetTrackedEntity(ctx, tenantID, handle)
	if err != nil {
		return nil, err
	}
	cfg, err := m.Store.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, db.ErrNotFound) {
		cfg = &db.TenantConfig{TenantID: tenantID}
	} else if err != nil {
		return nil, err
	}

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"), slog.String("tenant", tenantID), slog.String("handle", e.Handle))
	streams, err := m.Provider.GetLiveStatuses(ctx, []string{e.Handle})
	if err != nil {
		log.Warn("live status lookup failed; using placeholder stream", slog.Any("err", err))
	}
	var s *twitchapi.Stream
	if len(streams) > 0 {
		s = &streams[0]
	} else {
		users, err := m.Provider.GetUserProfiles(ctx, []string{e.Handle})
		if err != nil {
			return nil, fmt.Errorf("resolve twitch user: %w", err)
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, e.Handle)
		}
		if users[0].DisplayName != "" {
			e.DisplayName = users[0].DisplayName
		}
		if users[0].ProfileImageURL != "" {
			e.AvatarURL = users[0].ProfileImageURL
		}
		s = placeholderStream(e, m.opts.Clock.Now())
	}

	ref, err := m.Reconciler.Notifier.Send(ctx, e, s, cfg)
	if err != nil {
		return nil, fmt.Errorf("send test notification: %w", err)
	}
	log.Info("test notification sent", slog.Bool("live", len(streams) > 0), slog.String("message", ref.MessageID))
	return ref, nil
}

func placeholderStream(e *db.TrackedEntity, now time.Time) *twitchapi.Stream {
	return &twitchapi.Stream{
		ID:           fmt.Sprintf("test_%d", now.Unix()),
		UserLogin:    e.Handle,
		UserName:     e.Name(),
		GameName:     testCategory,
		Title:        testTitle,
		StartedAt:    now,
		ThumbnailURL: "https://static-cdn.jtvnw.net/previews-ttv/live_user_" + e.Handle + "-{width}x{height}.jpg",
	}
}
