package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cooldown suppresses repeated anomaly records for a partition. Acquire returns true when
// the caller may record an anomaly for key and starts a new cooldown period. Release ends
// the period early, for when the record could not be written.
type Cooldown interface {
	Acquire(ctx context.Context, key string, period time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type memoryCooldown struct {
	mu      sync.Mutex
	until   map[string]time.Time
	now     func() time.Time
	lastGC  time.Time
	gcEvery time.Duration
}

// NewMemoryCooldown returns a process-local Cooldown.
func NewMemoryCooldown() Cooldown {
	return newMemoryCooldown(time.Now)
}

func newMemoryCooldown(now func() time.Time) *memoryCooldown {
	return &memoryCooldown{
		until:   make(map[string]time.Time),
		now:     now,
		gcEvery: 5 * time.Minute,
	}
}

func (c *memoryCooldown) Acquire(_ context.Context, key string, period time.Duration) (bool, error) {
	if period <= 0 {
		return true, nil
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastGC) >= c.gcEvery {
		for k, until := range c.until {
			if !now.Before(until) {
				delete(c.until, k)
			}
		}
		c.lastGC = now
	}
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	c.until[key] = now.Add(period)
	return true, nil
}

func (c *memoryCooldown) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.until, key)
	c.mu.Unlock()
	return nil
}

type redisKeyClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisCooldown struct {
	client  redisKeyClient
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisCooldown returns a Cooldown shared by every process using the same Redis.
// Redis failures fail open: the anomaly is recorded.
func NewRedisCooldown(client *redis.Client, logger *slog.Logger) Cooldown {
	return newRedisCooldown(client, logger)
}

func newRedisCooldown(client redisKeyClient, logger *slog.Logger) *redisCooldown {
	return &redisCooldown{
		client:  client,
		prefix:  "logpilot:cooldown:",
		timeout: 250 * time.Millisecond,
		logger:  logger,
	}
}

func (c *redisCooldown) Acquire(ctx context.Context, key string, period time.Duration) (bool, error) {
	if period <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.client.SetNX(ctx, c.prefix+key, 1, period).Result()
	if err != nil {
		if c.logger != nil {
			c.logger.Error("redis cooldown error", "op", "setnx", "key", key, "error", err)
		}
		return true, err
	}
	return ok, nil
}

func (c *redisCooldown) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		if c.logger != nil {
			c.logger.Error("redis cooldown error", "op", "del", "key", key, "error", err)
		}
		return err
	}
	return nil
}
