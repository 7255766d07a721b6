package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	_, client := setupRedis(t)
	rl := NewRedisLimiter(client, time.Minute, 3)

	// Keys expire at the window end, so the clock must stay ahead of Redis
	now := time.Now().Add(time.Hour).Truncate(time.Minute).Add(5 * time.Second)
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := rl.Allow(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(3-i), d.Remaining)
		assert.True(t, windowEnd.Equal(d.ResetAt))
	}

	d, err := rl.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	// Other clients have their own counter
	d, err = rl.Allow(ctx, "198.51.100.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// The next window starts fresh
	now = now.Add(time.Minute)
	d, err = rl.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_SetsExpiry(t *testing.T) {
	mr, client := setupRedis(t)
	rl := NewRedisLimiter(client, time.Minute, 10)
	ctx := context.Background()

	_, err := rl.Allow(ctx, "k")
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestRedisLimiter_RedisDown(t *testing.T) {
	mr, client := setupRedis(t)
	rl := NewRedisLimiter(client, time.Minute, 10)
	mr.Close()

	_, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	d, err := Noop{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
