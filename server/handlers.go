// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/monitor"
	"github.com/onnwee/livewatch/twitchapi"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Store is the slice of db.Store the HTTP API reads and writes.
type Store interface {
	LastHeartbeat(ctx context.Context) (time.Time, error)
	GetTenantConfig(ctx context.Context, tenantID string) (*db.TenantConfig, error)
	ListTenantEntities(ctx context.Context, tenantID string) ([]db.TrackedEntity, error)
	GetTrackedEntity(ctx context.Context, tenantID, handle string) (*db.TrackedEntity, error)
	RecentSessions(ctx context.Context, entityID int64, limit int) ([]db.SessionRecord, error)

	DeleteTenant(ctx context.Context, tenantID string) error
	SetNotificationChannel(ctx context.Context, tenantID, channelID string) error
	SetMentionRole(ctx context.Context, tenantID, roleID string) error
	SetDefaultMessage(ctx context.Context, tenantID, message string) error
	AddTrackedEntity(ctx context.Context, tenantID, handle, displayName, avatarURL string) (*db.TrackedEntity, error)
	RemoveTrackedEntity(ctx context.Context, tenantID, handle string) error
	SetEntityMessage(ctx context.Context, tenantID, handle, message string) error
}

// Monitor is the running poll scheduler.
type Monitor interface {
	Interval() time.Duration
	LastReport() *monitor.CycleReport
	SendTestNotification(ctx context.Context, tenantID, handle string) (*db.NotificationRef, error)
}

// ProfileResolver looks up Twitch users by login.
type ProfileResolver interface {
	GetUserProfiles(ctx context.Context, logins []string) ([]twitchapi.User, error)
}

// ChannelChecker verifies the bot can post to a channel.
type ChannelChecker interface {
	CheckChannel(ctx context.Context, channelID string) error
}

// Deps are the collaborators of the HTTP handlers. Channels is optional.
type Deps struct {
	DB       Pinger
	Store    Store
	Monitor  Monitor
	Profiles ProfileResolver
	Channels ChannelChecker
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       Pinger
	store    Store
	monitor  Monitor
	profiles ProfileResolver
	channels ChannelChecker
	now      func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:       deps.DB,
		store:    deps.Store,
		monitor:  deps.Monitor,
		profiles: deps.Profiles,
		channels: deps.Channels,
		now:      time.Now,
	}
}
