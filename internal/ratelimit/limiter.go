// Package ratelimit applies a fixed per-minute request budget to each caller.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func decide(count int64, limit int, resetIn time.Duration) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// RedisLimiter counts requests in Redis so that every gateway instance shares
// the same window.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "dalsi:ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	bucket := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, bucket.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	return decide(incr.Val(), l.limit, bucket.Add(l.window).Sub(now)), nil
}

type memoryWindow struct {
	start time.Time
	count int64
}

// MemoryLimiter is the single-instance fallback used when Redis is not configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*memoryWindow
	now     func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{limit: limit, window: window, windows: make(map[string]*memoryWindow), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket := now.Truncate(l.window)

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(bucket) {
		w = &memoryWindow{start: bucket}
		l.windows[key] = w
		l.evict(bucket)
	}
	w.count++

	return decide(w.count, l.limit, bucket.Add(l.window).Sub(now)), nil
}

// evict drops windows older than the current bucket.
func (l *MemoryLimiter) evict(current time.Time) {
	for key, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, key)
		}
	}
}
