package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livewatch/twitchapi"
)

const keyPrefix = "livewatch:profile:"

// RedisProfileCache shares resolved profiles across restarts and replicas.
type RedisProfileCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewRedisClient opens a client with the pool settings used for small lookups.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
}

// Ping checks connectivity.
func (c *RedisProfileCache) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Get implements ProfileCache.
func (c *RedisProfileCache) Get(ctx context.Context, login string) (twitchapi.User, bool, error) {
	val, err := c.Client.Get(ctx, keyPrefix+key(login)).Bytes()
	if errors.Is(err, redis.Nil) {
		return twitchapi.User{}, false, nil
	}
	if err != nil {
		return twitchapi.User{}, false, fmt.Errorf("redis get profile: %w", err)
	}
	var u twitchapi.User
	if err := json.Unmarshal(val, &u); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the next Set.
		return twitchapi.User{}, false, nil
	}
	return u, true, nil
}

// Set implements ProfileCache.
func (c *RedisProfileCache) Set(ctx context.Context, u twitchapi.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := c.Client.Set(ctx, keyPrefix+key(u.Login), data, c.TTL).Err(); err != nil {
		return fmt.Errorf("redis set profile: %w", err)
	}
	return nil
}
