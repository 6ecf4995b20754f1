package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

// Store is the slice of db.Store the dispatcher writes to.
type Store interface {
	SetNotificationRef(ctx context.Context, tenantID, handle string, ref db.NotificationRef, m db.Metrics) error
	UpdateObservedMetrics(ctx context.Context, tenantID, handle string, m db.Metrics) error
	ClearNotificationRef(ctx context.Context, tenantID, handle string) error
	SetDeliveryError(ctx context.Context, tenantID, message string) error
}

// Dispatcher sends, edits and forgets live notifications and keeps the stored
// notification reference in step with what was actually posted.
type Dispatcher struct {
	Messenger Messenger
	Store     Store
	Clock     quartz.Clock
}

// NewDispatcher wires a dispatcher on the real clock.
func NewDispatcher(m Messenger, s Store) *Dispatcher {
	return &Dispatcher{Messenger: m, Store: s, Clock: quartz.NewReal()}
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}

// Send posts the notification for s to the tenant channel without recording it.
// Used directly for test notifications.
func (d *Dispatcher) Send(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) (*db.NotificationRef, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"), slog.String("tenant", e.TenantID), slog.String("handle", e.Handle))
	if cfg == nil || cfg.NotificationChannelID == "" {
		err := &ChannelUnavailableError{Reason: "no notification channel configured"}
		d.recordDeliveryError(ctx, e.TenantID, err)
		return nil, err
	}
	channelID := cfg.NotificationChannelID
	msg := BuildMessage(e, s, cfg, d.now())
	id, err := d.Messenger.Send(ctx, channelID, msg)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = &ChannelUnavailableError{ChannelID: channelID, Reason: "channel not found", Err: err}
		}
		if IsChannelUnavailable(err) {
			d.recordDeliveryError(ctx, e.TenantID, err)
			return nil, err
		}
		telemetry.CountNotificationFailure("other")
		return nil, fmt.Errorf("send notification: %w", err)
	}
	if cfg.LastDeliveryError != "" {
		if err := d.Store.SetDeliveryError(ctx, e.TenantID, ""); err != nil {
			log.Warn("failed to clear delivery error", slog.Any("err", err))
		}
	}
	log.Info("notification sent", slog.String("channel", channelID), slog.String("message", id))
	return &db.NotificationRef{ChannelID: channelID, MessageID: id}, nil
}

// Emit posts the go-live notification and records its reference together with the
// metrics it rendered. If recording fails the reference is still returned with the
// error so the caller can log that the row is stale.
func (d *Dispatcher) Emit(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) (*db.NotificationRef, error) {
	ref, err := d.Send(ctx, e, s, cfg)
	if err != nil {
		return nil, err
	}
	telemetry.CountNotification("emit")
	m := db.Metrics{Title: s.Title, Category: s.GameName, ViewerCount: s.ViewerCount, ObservedAt: d.now()}
	if err := d.Store.SetNotificationRef(ctx, e.TenantID, e.Handle, *ref, m); err != nil {
		return ref, fmt.Errorf("record notification: %w", err)
	}
	e.Notification = ref
	e.Last = m
	return ref, nil
}

// Update edits the outstanding notification with fresh stream data. When the message
// or its channel is gone the reference is dropped and nothing is re-sent.
func (d *Dispatcher) Update(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream) error {
	if e.Notification == nil {
		return nil
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "notify"), slog.String("tenant", e.TenantID), slog.String("handle", e.Handle))
	ref := *e.Notification
	now := d.now()
	err := d.Messenger.Edit(ctx, ref.ChannelID, ref.MessageID, BuildEmbed(e, s, now, true))
	switch {
	case errors.Is(err, ErrNotFound):
		telemetry.CountNotificationFailure("not_found")
		log.Warn("notification message gone; dropping reference", slog.String("channel", ref.ChannelID), slog.String("message", ref.MessageID))
		return d.Clear(ctx, e)
	case IsChannelUnavailable(err):
		d.recordDeliveryError(ctx, e.TenantID, err)
		return fmt.Errorf("edit notification: %w", err)
	case err != nil:
		telemetry.CountNotificationFailure("other")
		return fmt.Errorf("edit notification: %w", err)
	}
	telemetry.CountNotification("edit")
	m := db.Metrics{Title: s.Title, Category: s.GameName, ViewerCount: s.ViewerCount, ObservedAt: now}
	if err := d.Store.UpdateObservedMetrics(ctx, e.TenantID, e.Handle, m); err != nil {
		return fmt.Errorf("record edit: %w", err)
	}
	e.Last = m
	log.Debug("notification updated", slog.Int("viewers", s.ViewerCount))
	return nil
}

// Clear forgets the outstanding notification and its cached metrics. The posted
// message stays in the channel.
func (d *Dispatcher) Clear(ctx context.Context, e *db.TrackedEntity) error {
	if err := d.Store.ClearNotificationRef(ctx, e.TenantID, e.Handle); err != nil {
		return fmt.Errorf("clear notification: %w", err)
	}
	if e.Notification != nil {
		telemetry.CountNotification("clear")
	}
	e.Notification = nil
	e.Last = db.Metrics{}
	return nil
}

func (d *Dispatcher) recordDeliveryError(ctx context.Context, tenantID string, err error) {
	telemetry.CountNotificationFailure("channel_unavailable")
	telemetry.LoggerWithCorr(ctx).Warn("notification channel unavailable",
		slog.String("component", "notify"), slog.String("tenant", tenantID), slog.Any("err", err))
	if serr := d.Store.SetDeliveryError(ctx, tenantID, err.Error()); serr != nil {
		telemetry.LoggerWithCorr(ctx).Warn("failed to record delivery error",
			slog.String("component", "notify"), slog.String("tenant", tenantID), slog.Any("err", serr))
	}
}
