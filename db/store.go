package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HeartbeatKey is the kv key holding the completion time of the last poll cycle.
const HeartbeatKey = "monitor_last_cycle"

const defaultRecentSessions = 10

const entityColumns = `id, tenant_id, handle, COALESCE(display_name,''), COALESCE(avatar_url,''),
	COALESCE(custom_message,''), is_live, COALESCE(last_session_id,''),
	last_notification_message_id, last_notification_channel_id, last_update_time,
	COALESCE(last_title,''), COALESCE(last_category,''), COALESCE(last_viewer_count,0)`

// Store persists monitor state in Postgres. Every method is a single atomic
// statement (or one transaction) and re-applying the same values is a no-op change.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(database *sql.DB) *Store { return &Store{DB: database} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (*TrackedEntity, error) {
	var (
		e           TrackedEntity
		msgID, chID sql.NullString
		updated     sql.NullTime
	)
	if err := r.Scan(&e.ID, &e.TenantID, &e.Handle, &e.DisplayName, &e.AvatarURL,
		&e.CustomMessage, &e.IsLive, &e.LastSessionID,
		&msgID, &chID, &updated,
		&e.Last.Title, &e.Last.Category, &e.Last.ViewerCount); err != nil {
		return nil, err
	}
	if msgID.Valid && chID.Valid {
		e.Notification = &NotificationRef{ChannelID: chID.String, MessageID: msgID.String}
	}
	if updated.Valid {
		e.Last.ObservedAt = updated.Time
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) queryEntities(ctx context.Context, op, q string, args ...any) ([]TrackedEntity, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []TrackedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, *e)
	}
	return out, wrap(op, rows.Err())
}

func (s *Store) execEntity(ctx context.Context, op, q string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return wrap(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllTrackedEntities returns every tracked entity across all tenants.
func (s *Store) ListAllTrackedEntities(ctx context.Context) ([]TrackedEntity, error) {
	return s.queryEntities(ctx, "list_entities",
		`SELECT `+entityColumns+` FROM tracked_entities ORDER BY tenant_id, handle`)
}

// ListTenantEntities returns the entities tracked by one tenant.
func (s *Store) ListTenantEntities(ctx context.Context, tenantID string) ([]TrackedEntity, error) {
	return s.queryEntities(ctx, "list_tenant_entities",
		`SELECT `+entityColumns+` FROM tracked_entities WHERE tenant_id=$1 ORDER BY handle`, tenantID)
}

// GetTrackedEntity loads one entity; ErrNotFound when the tenant does not track handle.
func (s *Store) GetTrackedEntity(ctx context.Context, tenantID, handle string) (*TrackedEntity, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM tracked_entities WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get_entity", err)
	}
	return e, nil
}

// GetTenantConfig loads a tenant's configuration; ErrNotFound when absent.
func (s *Store) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var (
		c       TenantConfig
		errTime sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `SELECT tenant_id, COALESCE(notification_channel_id,''),
		COALESCE(mention_role_id,''), COALESCE(custom_message,''), COALESCE(last_delivery_error,''),
		last_delivery_error_at
		FROM tenant_configs WHERE tenant_id=$1`, tenantID).
		Scan(&c.TenantID, &c.NotificationChannelID, &c.MentionRoleID, &c.CustomMessage, &c.LastDeliveryError, &errTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get_tenant", err)
	}
	if errTime.Valid {
		t := errTime.Time
		c.LastDeliveryErrorAt = &t
	}
	return &c, nil
}

// SetLiveState records the live flag and the current session id. sessionID is
// required when isLive is true and stored as NULL otherwise.
func (s *Store) SetLiveState(ctx context.Context, tenantID, handle string, isLive bool, sessionID string) error {
	if isLive && sessionID == "" {
		return &PersistenceError{Op: "set_live_state", Err: errors.New("live state requires a session id")}
	}
	if !isLive {
		sessionID = ""
	}
	return s.execEntity(ctx, "set_live_state",
		`UPDATE tracked_entities SET is_live=$3, last_session_id=$4, updated_at=NOW()
		 WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle), isLive, nullString(sessionID))
}

// SetProfile stores refreshed display data.
func (s *Store) SetProfile(ctx context.Context, tenantID, handle, displayName, avatarURL string) error {
	return s.execEntity(ctx, "set_profile",
		`UPDATE tracked_entities SET display_name=$3, avatar_url=$4, updated_at=NOW()
		 WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle), nullString(displayName), nullString(avatarURL))
}

// SetNotificationRef records a freshly sent notification and the metrics it rendered.
func (s *Store) SetNotificationRef(ctx context.Context, tenantID, handle string, ref NotificationRef, m Metrics) error {
	return s.execEntity(ctx, "set_notification_ref",
		`UPDATE tracked_entities SET last_notification_message_id=$3, last_notification_channel_id=$4,
		 last_title=$5, last_category=$6, last_viewer_count=$7, last_update_time=$8, updated_at=NOW()
		 WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle), ref.MessageID, ref.ChannelID,
		m.Title, m.Category, m.ViewerCount, m.ObservedAt)
}

// UpdateObservedMetrics records the metrics rendered by an edit and resets the
// edit throttle window to m.ObservedAt.
func (s *Store) UpdateObservedMetrics(ctx context.Context, tenantID, handle string, m Metrics) error {
	return s.execEntity(ctx, "update_metrics",
		`UPDATE tracked_entities SET last_title=$3, last_category=$4, last_viewer_count=$5,
		 last_update_time=$6, updated_at=NOW()
		 WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle), m.Title, m.Category, m.ViewerCount, m.ObservedAt)
}

// ClearNotificationRef drops the notification reference together with the cached
// metrics of the session it belonged to. The sent message itself is left alone.
func (s *Store) ClearNotificationRef(ctx context.Context, tenantID, handle string) error {
	return s.execEntity(ctx, "clear_notification_ref",
		`UPDATE tracked_entities SET last_notification_message_id=NULL, last_notification_channel_id=NULL,
		 last_update_time=NULL, last_title=NULL, last_category=NULL, last_viewer_count=NULL, updated_at=NOW()
		 WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle))
}

// AppendSessionHistory records the start of a session. Appending the same session
// twice is a no-op.
func (s *Store) AppendSessionHistory(ctx context.Context, entityID int64, sessionID, title, category string, viewerCount int) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO session_history(entity_id, session_id, title, category, viewer_count)
		 VALUES($1,$2,$3,$4,$5) ON CONFLICT (entity_id, session_id) DO NOTHING`,
		entityID, sessionID, title, category, viewerCount)
	return wrap("append_session", err)
}

// RecentSessions returns the latest sessions of an entity, newest first.
func (s *Store) RecentSessions(ctx context.Context, entityID int64, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = defaultRecentSessions
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, entity_id, session_id, COALESCE(title,''), COALESCE(category,''),
		 COALESCE(viewer_count,0), started_at
		 FROM session_history WHERE entity_id=$1 ORDER BY started_at DESC LIMIT $2`,
		entityID, limit)
	if err != nil {
		return nil, wrap("recent_sessions", err)
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.EntityID, &r.SessionID, &r.Title, &r.Category, &r.ViewerCount, &r.StartedAt); err != nil {
			return nil, wrap("recent_sessions", err)
		}
		out = append(out, r)
	}
	return out, wrap("recent_sessions", rows.Err())
}

// EnsureTenant creates an empty configuration row for tenantID if none exists.
func (s *Store) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tenant_configs(tenant_id) VALUES($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID)
	return wrap("ensure_tenant", err)
}

// AddTrackedEntity starts tracking handle for tenantID, creating the tenant lazily.
// ErrAlreadyTracked when the pair exists.
func (s *Store) AddTrackedEntity(ctx context.Context, tenantID, handle, displayName, avatarURL string) (*TrackedEntity, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("add_entity", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_configs(tenant_id) VALUES($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return nil, wrap("add_entity", err)
	}
	row := tx.QueryRowContext(ctx,
		`INSERT INTO tracked_entities(tenant_id, handle, display_name, avatar_url) VALUES($1,$2,$3,$4)
		 ON CONFLICT (tenant_id, handle) DO NOTHING RETURNING `+entityColumns,
		tenantID, NormalizeHandle(handle), nullString(displayName), nullString(avatarURL))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlreadyTracked
	}
	if err != nil {
		return nil, wrap("add_entity", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("add_entity", err)
	}
	return e, nil
}

// RemoveTrackedEntity stops tracking handle; its session history goes with it.
func (s *Store) RemoveTrackedEntity(ctx context.Context, tenantID, handle string) error {
	return s.execEntity(ctx, "remove_entity",
		`DELETE FROM tracked_entities WHERE tenant_id=$1 AND handle=$2`, tenantID, NormalizeHandle(handle))
}

// SetEntityMessage sets (or clears, when empty) the per-entity template override.
func (s *Store) SetEntityMessage(ctx context.Context, tenantID, handle, message string) error {
	return s.execEntity(ctx, "set_entity_message",
		`UPDATE tracked_entities SET custom_message=$3, updated_at=NOW() WHERE tenant_id=$1 AND handle=$2`,
		tenantID, NormalizeHandle(handle), nullString(message))
}

// tenant columns writable through upsertTenantField.
var tenantColumns = map[string]string{
	"set_channel":         "notification_channel_id",
	"set_mention_role":    "mention_role_id",
	"set_default_message": "custom_message",
}

func (s *Store) upsertTenantField(ctx context.Context, op, tenantID, value string) error {
	col, ok := tenantColumns[op]
	if !ok {
		return fmt.Errorf("unknown tenant field op %q", op)
	}
	q := fmt.Sprintf(`INSERT INTO tenant_configs(tenant_id, %[1]s) VALUES($1,$2)
		ON CONFLICT (tenant_id) DO UPDATE SET %[1]s=EXCLUDED.%[1]s, updated_at=NOW()`, col)
	_, err := s.DB.ExecContext(ctx, q, tenantID, nullString(value))
	return wrap(op, err)
}

// SetNotificationChannel sets the channel notifications are posted to and clears
// any delivery error recorded against the previous one.
func (s *Store) SetNotificationChannel(ctx context.Context, tenantID, channelID string) error {
	if err := s.upsertTenantField(ctx, "set_channel", tenantID, channelID); err != nil {
		return err
	}
	return s.SetDeliveryError(ctx, tenantID, "")
}

// SetMentionRole sets (or clears) the role mentioned by notifications.
func (s *Store) SetMentionRole(ctx context.Context, tenantID, roleID string) error {
	return s.upsertTenantField(ctx, "set_mention_role", tenantID, roleID)
}

// SetDefaultMessage sets (or clears) the tenant default template.
func (s *Store) SetDefaultMessage(ctx context.Context, tenantID, message string) error {
	return s.upsertTenantField(ctx, "set_default_message", tenantID, message)
}

// SetDeliveryError records why notifications cannot be delivered to the tenant.
// An empty message clears it.
func (s *Store) SetDeliveryError(ctx context.Context, tenantID, message string) error {
	var err error
	if message == "" {
		_, err = s.DB.ExecContext(ctx,
			`UPDATE tenant_configs SET last_delivery_error=NULL, last_delivery_error_at=NULL WHERE tenant_id=$1`, tenantID)
	} else {
		_, err = s.DB.ExecContext(ctx,
			`UPDATE tenant_configs SET last_delivery_error=$2, last_delivery_error_at=NOW() WHERE tenant_id=$1`, tenantID, message)
	}
	return wrap("set_delivery_error", err)
}

// DeleteTenant removes a tenant with all of its entities and history.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tenant_configs WHERE tenant_id=$1`, tenantID)
	return wrap("delete_tenant", err)
}

// SetKV upserts a small piece of process state.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return wrap("set_kv", err)
}

// GetKV returns the value for key and whether it exists.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get_kv", err)
	}
	return v.String, true, nil
}

// RecordHeartbeat stores the completion time of a poll cycle.
func (s *Store) RecordHeartbeat(ctx context.Context, at time.Time) error {
	return s.SetKV(ctx, HeartbeatKey, at.UTC().Format(time.RFC3339Nano))
}

// LastHeartbeat returns the last recorded cycle completion (zero when none).
func (s *Store) LastHeartbeat(ctx context.Context) (time.Time, error) {
	v, ok, err := s.GetKV(ctx, HeartbeatKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, wrap("last_heartbeat", err)
	}
	return t, nil
}
