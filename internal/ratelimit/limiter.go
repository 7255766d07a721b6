// Package ratelimit bounds how often one client may hit the ingestion
// boundary.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Noop allows everything.
type Noop struct{}

// Allow always allows.
func (Noop) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// RedisLimiter is a fixed-window counter kept in Redis, shared by every
// process pointed at the same Redis.
type RedisLimiter struct {
	client      redis.Cmdable
	prefix      string
	window      time.Duration
	maxRequests int64
	now         func() time.Time
}

// NewRedisLimiter creates a new fixed-window limiter.
func NewRedisLimiter(client redis.Cmdable, window time.Duration, maxRequests int64) *RedisLimiter {
	return &RedisLimiter{
		client:      client,
		prefix:      "sitepulse:ratelimit:",
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// Allow counts the request against the current window.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := rl.now()
	windowStart := now.Truncate(rl.window)
	resetAt := windowStart.Add(rl.window)
	redisKey := fmt.Sprintf("%s%s:%d", rl.prefix, key, windowStart.Unix())

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, resetAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter error: %w", err)
	}

	count := incr.Val()
	remaining := rl.maxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= rl.maxRequests,
		Limit:     rl.maxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

var (
	_ Limiter = Noop{}
	_ Limiter = (*RedisLimiter)(nil)
)
