package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/onnwee/livewatch/cache"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

// Store is the persistence the monitor reads and writes.
type Store interface {
	notify.Store
	ListAllTrackedEntities(ctx context.Context) ([]db.TrackedEntity, error)
	GetTrackedEntity(ctx context.Context, tenantID, handle string) (*db.TrackedEntity, error)
	GetTenantConfig(ctx context.Context, tenantID string) (*db.TenantConfig, error)
	SetLiveState(ctx context.Context, tenantID, handle string, isLive bool, sessionID string) error
	SetProfile(ctx context.Context, tenantID, handle, displayName, avatarURL string) error
	AppendSessionHistory(ctx context.Context, entityID int64, sessionID, title, category string, viewerCount int) error
	RecordHeartbeat(ctx context.Context, at time.Time) error
}

// Provider is the live-status source.
type Provider interface {
	GetLiveStatuses(ctx context.Context, logins []string) ([]twitchapi.Stream, error)
	GetUserProfiles(ctx context.Context, logins []string) ([]twitchapi.User, error)
}

// Notifier sends, edits and forgets notifications; *notify.Dispatcher.
type Notifier interface {
	Send(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) (*db.NotificationRef, error)
	Emit(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) (*db.NotificationRef, error)
	Update(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream) error
	Clear(ctx context.Context, e *db.TrackedEntity) error
}

// Reconciler applies Decide to entities and carries out the resulting actions.
type Reconciler struct {
	Store    Store
	Provider Provider
	Notifier Notifier
	// Profiles is optional; without it every refresh asks the provider.
	Profiles cache.ProfileCache
	Policy   Policy
	Now      func() time.Time

	// undeliverable remembers sessions whose notification hit an unavailable
	// channel so emission is not repeated for the rest of that session.
	mu            sync.Mutex
	undeliverable map[string]string
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func undeliverableKey(e *db.TrackedEntity) string { return e.TenantID + "/" + e.Handle }

func (r *Reconciler) markUndeliverable(e *db.TrackedEntity, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.undeliverable == nil {
		r.undeliverable = map[string]string{}
	}
	r.undeliverable[undeliverableKey(e)] = sessionID
}

func (r *Reconciler) isUndeliverable(e *db.TrackedEntity, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.undeliverable[undeliverableKey(e)] == sessionID
}

func (r *Reconciler) forgetUndeliverable(e *db.TrackedEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.undeliverable, undeliverableKey(e))
}

// ReconcileChunk fetches live statuses for the handles of entities in one
// provider request and reconciles each entity. A provider failure skips the
// whole chunk; entity failures are logged and collected without stopping the
// rest. It returns the number of failed entities and the provider error, if any.
func (r *Reconciler) ReconcileChunk(ctx context.Context, entities []*db.TrackedEntity) (int, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"))
	logins := make([]string, 0, len(entities))
	for _, e := range entities {
		logins = append(logins, e.Handle)
	}
	streams, err := r.Provider.GetLiveStatuses(ctx, twitchapi.NormalizeLogins(logins))
	if err != nil {
		return 0, err
	}
	byLogin := make(map[string]*twitchapi.Stream, len(streams))
	for i := range streams {
		byLogin[db.NormalizeHandle(streams[i].UserLogin)] = &streams[i]
	}

	configs := map[string]*db.TenantConfig{}
	var failed *multierror.Error
	for _, e := range entities {
		cfg, ok := configs[e.TenantID]
		if !ok {
			cfg = r.tenantConfig(ctx, e.TenantID)
			configs[e.TenantID] = cfg
		}
		if err := r.Reconcile(ctx, e, byLogin[db.NormalizeHandle(e.Handle)], cfg); err != nil {
			failed = multierror.Append(failed, fmt.Errorf("%s/%s: %w", e.TenantID, e.Handle, err))
		}
	}
	if failed == nil {
		return 0, nil
	}
	log.Warn("entities failed to reconcile", slog.Int("count", failed.Len()), slog.Any("err", failed.ErrorOrNil()))
	return failed.Len(), nil
}

func (r *Reconciler) tenantConfig(ctx context.Context, tenantID string) *db.TenantConfig {
	cfg, err := r.Store.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			telemetry.LoggerWithCorr(ctx).Warn("load tenant config", slog.String("component", "monitor"), slog.String("tenant", tenantID), slog.Any("err", err))
		}
		return &db.TenantConfig{TenantID: tenantID}
	}
	return cfg
}

// Reconcile evaluates one entity against its snapshot (nil = offline) and
// applies the decision. e is updated in place to mirror what was persisted.
func (r *Reconciler) Reconcile(ctx context.Context, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) error {
	ctx, span := telemetry.StartSpan(ctx, "monitor", "reconcile", telemetry.EntityAttrs(e.TenantID, e.Handle)...)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"), slog.String("tenant", e.TenantID), slog.String("handle", e.Handle))

	d := Decide(e, s, r.Policy, r.now())
	if d.Action != ActionNone || d.NewSession {
		log.Debug("reconcile decision", slog.String("state", d.From.String()), slog.String("action", d.Action.String()), slog.Bool("new_session", d.NewSession))
	}

	if d.NewSession {
		if err := r.newSession(ctx, log, e, s); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}

	var err error
	switch d.Action {
	case ActionStart:
		err = r.start(ctx, log, e, s, cfg, d.Emit)
	case ActionResume:
		r.refreshProfile(ctx, log, e)
		err = r.emit(ctx, log, e, s, cfg)
	case ActionUpdate:
		err = r.update(ctx, log, e, s)
	case ActionEnd:
		err = r.end(ctx, log, e)
	case ActionRepair:
		log.Info("clearing notification reference on offline entity")
		err = r.Notifier.Clear(ctx, e)
	}
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

func (r *Reconciler) start(ctx context.Context, log *slog.Logger, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig, emit bool) error {
	// Without the live flag persisted a later cycle would treat the session as
	// new and notify twice.
	if err := r.Store.SetLiveState(ctx, e.TenantID, e.Handle, true, s.ID); err != nil {
		return fmt.Errorf("mark live: %w", err)
	}
	e.IsLive, e.LastSessionID = true, s.ID
	log.Info("channel went live", slog.String("session", s.ID), slog.String("title", s.Title), slog.Bool("notify", emit))

	r.refreshProfile(ctx, log, e)
	if err := r.Store.AppendSessionHistory(ctx, e.ID, s.ID, s.Title, s.GameName, s.ViewerCount); err != nil {
		log.Warn("append session history", slog.Any("err", err))
	}
	if !emit {
		return nil
	}
	return r.emit(ctx, log, e, s, cfg)
}

func (r *Reconciler) newSession(ctx context.Context, log *slog.Logger, e *db.TrackedEntity, s *twitchapi.Stream) error {
	if err := r.Store.SetLiveState(ctx, e.TenantID, e.Handle, true, s.ID); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	log.Info("session changed while live", slog.String("previous", e.LastSessionID), slog.String("session", s.ID))
	e.LastSessionID = s.ID
	r.forgetUndeliverable(e)
	if err := r.Store.AppendSessionHistory(ctx, e.ID, s.ID, s.Title, s.GameName, s.ViewerCount); err != nil {
		log.Warn("append session history", slog.Any("err", err))
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, log *slog.Logger, e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig) error {
	if r.isUndeliverable(e, s.ID) {
		return nil
	}
	ref, err := r.Notifier.Emit(ctx, e, s, cfg)
	switch {
	case err == nil:
		return nil
	case notify.IsChannelUnavailable(err):
		r.markUndeliverable(e, s.ID)
		log.Warn("notification undeliverable for this session", slog.Any("err", err))
		return nil
	case ref != nil:
		log.Error("notification sent but not recorded; it may be sent again", slog.String("message", ref.MessageID), slog.Any("err", err))
		return err
	default:
		return err
	}
}

// update edits the outstanding notification. An unavailable channel stops edits
// for the rest of the session; the reference is kept.
func (r *Reconciler) update(ctx context.Context, log *slog.Logger, e *db.TrackedEntity, s *twitchapi.Stream) error {
	if r.isUndeliverable(e, s.ID) {
		return nil
	}
	err := r.Notifier.Update(ctx, e, s)
	if notify.IsChannelUnavailable(err) {
		r.markUndeliverable(e, s.ID)
		log.Warn("notification edits undeliverable for this session", slog.Any("err", err))
		return nil
	}
	return err
}

func (r *Reconciler) end(ctx context.Context, log *slog.Logger, e *db.TrackedEntity) error {
	var result *multierror.Error
	if e.Notification != nil {
		if err := r.Notifier.Clear(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.Store.SetLiveState(ctx, e.TenantID, e.Handle, false, ""); err != nil {
		result = multierror.Append(result, fmt.Errorf("mark offline: %w", err))
	} else {
		e.IsLive, e.LastSessionID = false, ""
	}
	r.forgetUndeliverable(e)
	log.Info("channel went offline")
	return result.ErrorOrNil()
}

// refreshProfile updates display name and avatar from the cache or provider.
// Failures keep the previous display data.
func (r *Reconciler) refreshProfile(ctx context.Context, log *slog.Logger, e *db.TrackedEntity) {
	u, ok := r.lookupProfile(ctx, log, e.Handle)
	if !ok {
		return
	}
	name, avatar := e.DisplayName, e.AvatarURL
	if u.DisplayName != "" {
		name = u.DisplayName
	}
	if u.ProfileImageURL != "" {
		avatar = u.ProfileImageURL
	}
	if name == e.DisplayName && avatar == e.AvatarURL {
		return
	}
	if err := r.Store.SetProfile(ctx, e.TenantID, e.Handle, name, avatar); err != nil {
		log.Warn("store refreshed profile", slog.Any("err", err))
		return
	}
	e.DisplayName, e.AvatarURL = name, avatar
}

func (r *Reconciler) lookupProfile(ctx context.Context, log *slog.Logger, login string) (twitchapi.User, bool) {
	if r.Profiles != nil {
		u, ok, err := r.Profiles.Get(ctx, login)
		if err != nil {
			log.Debug("profile cache read failed", slog.Any("err", err))
		} else if ok {
			return u, true
		}
	}
	users, err := r.Provider.GetUserProfiles(ctx, []string{login})
	if err != nil {
		log.Warn("profile refresh failed; keeping cached display data", slog.Any("err", err))
		return twitchapi.User{}, false
	}
	if len(users) == 0 {
		return twitchapi.User{}, false
	}
	u := users[0]
	if r.Profiles != nil {
		if err := r.Profiles.Set(ctx, u); err != nil {
			log.Debug("profile cache write failed", slog.Any("err", err))
		}
	}
	return u, true
}
