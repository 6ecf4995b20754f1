package db

import (
	"strings"
	"time"
)

// TenantConfig holds one tenant's delivery preferences. Empty strings mean "not set".
type TenantConfig struct {
	TenantID string `json:"tenant_id"`
	// NotificationChannelID is where live notifications are posted.
	NotificationChannelID string `json:"notification_channel_id,omitempty"`
	// MentionRoleID replaces the @role placeholder in templates.
	MentionRoleID string `json:"mention_role_id,omitempty"`
	// CustomMessage is the tenant default template.
	CustomMessage string `json:"custom_message,omitempty"`

	LastDeliveryError   string     `json:"last_delivery_error,omitempty"`
	LastDeliveryErrorAt *time.Time `json:"last_delivery_error_at,omitempty"`
}

// NotificationRef identifies the outstanding live notification of an entity.
type NotificationRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Metrics are the stream fields last rendered into a notification.
type Metrics struct {
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	ViewerCount int       `json:"viewer_count"`
	ObservedAt  time.Time `json:"observed_at"`
}

// TrackedEntity is one Twitch channel tracked by one tenant.
type TrackedEntity struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	// Handle is the lowercase Twitch login.
	Handle        string `json:"handle"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	CustomMessage string `json:"custom_message,omitempty"`

	IsLive bool `json:"is_live"`
	// LastSessionID is empty when NULL.
	LastSessionID string `json:"last_session_id,omitempty"`
	// Notification is nil unless a live notification is outstanding.
	Notification *NotificationRef `json:"notification,omitempty"`
	// Last is zero-valued until the first notification; Last.ObservedAt is the
	// last update time used for edit throttling.
	Last Metrics `json:"last"`
}

// Name returns the display name, falling back to the handle.
func (e *TrackedEntity) Name() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Handle
}

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID          int64     `json:"id"`
	EntityID    int64     `json:"entity_id"`
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// NormalizeHandle lowercases and trims a Twitch login.
func NormalizeHandle(h string) string { return strings.ToLower(strings.TrimSpace(h)) }
