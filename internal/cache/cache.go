// Package cache wraps Redis as a small TTL key-value store. It backs
// the verification-email resend throttle, which is best-effort: losing
// keys on restart only allows an extra email, never blocks one.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing Redis client (used by tests with miniredis)
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get unmarshals the value at key into result. The bool reports
// whether the key existed.
func (c *Cache) Get(ctx context.Context, key string, result any) (bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), result); err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return true, nil
}

// Set stores value at key with the given expiration
func (c *Cache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, expiration).Err()
}

// Delete removes a key
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Allow implements a fixed-window throttle: the first call for a key
// within the window returns true, subsequent calls false until the
// window expires.
func (c *Cache) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("cache throttle %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the underlying connection
func (c *Cache) Close() error {
	return c.rdb.Close()
}
