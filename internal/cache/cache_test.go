package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestSetAndGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		UserID string `json:"user_id"`
	}

	require.NoError(t, c.Set(ctx, "state:abc", payload{UserID: "u1"}, time.Minute))

	var got payload
	found, err := c.Get(ctx, "state:abc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "u1", got.UserID)
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestCache(t)

	var got string
	found, err := c.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetExpiredKey(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	found, err := c.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	var got string
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAllowThrottlesWithinWindow(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.Allow(ctx, "resend:a@b.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Allow(ctx, "resend:a@b.com", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Window elapsed, the key is allowed again
	mr.FastForward(61 * time.Second)

	ok, err = c.Allow(ctx, "resend:a@b.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowIndependentKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.Allow(ctx, "resend:a@b.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Allow(ctx, "resend:c@d.com", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
