// Package cache keeps recently resolved Twitch profiles so start and resume
// transitions do not hit /helix/users for every live channel.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/onnwee/livewatch/twitchapi"
)

// ProfileCache stores profiles keyed by lowercase login.
type ProfileCache interface {
	// Get returns the cached profile and whether it was present.
	Get(ctx context.Context, login string) (twitchapi.User, bool, error)
	Set(ctx context.Context, u twitchapi.User) error
}

func key(login string) string { return strings.ToLower(strings.TrimSpace(login)) }

type memEntry struct {
	user    twitchapi.User
	expires time.Time
}

// MemoryProfileCache is the in-process fallback used when Redis is not configured.
type MemoryProfileCache struct {
	TTL   time.Duration
	Clock quartz.Clock

	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryProfileCache returns an empty cache on the real clock.
func NewMemoryProfileCache(ttl time.Duration) *MemoryProfileCache {
	return &MemoryProfileCache{TTL: ttl, Clock: quartz.NewReal(), entries: map[string]memEntry{}}
}

func (c *MemoryProfileCache) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Get implements ProfileCache.
func (c *MemoryProfileCache) Get(_ context.Context, login string) (twitchapi.User, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(login)]
	if !ok {
		return twitchapi.User{}, false, nil
	}
	if c.TTL > 0 && !c.now().Before(e.expires) {
		delete(c.entries, key(login))
		return twitchapi.User{}, false, nil
	}
	return e.user, true, nil
}

// Set implements ProfileCache.
func (c *MemoryProfileCache) Set(_ context.Context, u twitchapi.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]memEntry{}
	}
	c.entries[key(u.Login)] = memEntry{user: u, expires: c.now().Add(c.TTL)}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryProfileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
