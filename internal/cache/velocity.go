package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// MemoryVelocityCounter tracks per-key delivery rates with token buckets.
// A key may burst up to limit deliveries, refilled evenly over window.
type MemoryVelocityCounter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    int
	window   time.Duration
}

// NewMemoryVelocityCounter creates a counter. Idle keys are forgotten after
// twice the window; at most maxKeys are tracked, least recently seen first out.
func NewMemoryVelocityCounter(limit int, window time.Duration, maxKeys int) *MemoryVelocityCounter {
	return &MemoryVelocityCounter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, 2*window),
		limit:    limit,
		window:   window,
	}
}

// Hit implements services.VelocityCounter
func (c *MemoryVelocityCounter) Hit(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	limiter, ok := c.limiters.Get(key)
	if !ok {
		every := rate.Every(c.window / time.Duration(c.limit))
		limiter = rate.NewLimiter(every, c.limit)
	}
	// Re-adding refreshes the idle TTL
	c.limiters.Add(key, limiter)
	c.mu.Unlock()

	return !limiter.Allow(), nil
}

// RedisVelocityCounter is a sliding window of delivery timestamps kept in a
// sorted set per key
type RedisVelocityCounter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisVelocityCounter creates a sliding-window counter
func NewRedisVelocityCounter(client *redis.Client, limit int, window time.Duration) *RedisVelocityCounter {
	return &RedisVelocityCounter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Hit implements services.VelocityCounter
func (c *RedisVelocityCounter) Hit(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("velocity:%s", key)
	now := c.now()
	windowStart := now.Add(-c.window).UnixNano()
	nowNano := now.UnixNano()

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart, 10))
	zcard := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowNano), Member: nowNano})
	pipe.Expire(ctx, redisKey, c.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to execute velocity pipeline: %w", err)
	}

	return zcard.Val() >= int64(c.limit), nil
}
