package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/splax/logpilot/internal/domain"
)

func TestMemoryCooldown(t *testing.T) {
	now := testNow
	c := newMemoryCooldown(func() time.Time { return now })
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "api", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = c.Acquire(ctx, "api", time.Minute)
	require.False(t, ok)
	ok, _ = c.Acquire(ctx, "web", time.Minute)
	require.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = c.Acquire(ctx, "api", time.Minute)
	require.True(t, ok, "cooldown expires")

	ok, _ = c.Acquire(ctx, "api", 0)
	require.True(t, ok, "zero period never suppresses")
}

type fakeSetter struct {
	keys map[string]bool
	err  error
}

func (f *fakeSetter) SetNX(_ context.Context, key string, _ any, _ time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeSetter) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, key := range keys {
		if f.keys[key] {
			delete(f.keys, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisCooldown(t *testing.T) {
	setter := &fakeSetter{keys: map[string]bool{}}
	c := newRedisCooldown(setter, nil)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "api|acme", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, setter.keys["logpilot:cooldown:api|acme"])

	ok, err = c.Acquire(ctx, "api|acme", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCooldownRelease(t *testing.T) {
	setter := &fakeSetter{keys: map[string]bool{}}
	c := newRedisCooldown(setter, nil)
	ctx := context.Background()

	ok, _ := c.Acquire(ctx, "api|acme", time.Minute)
	require.True(t, ok)
	require.NoError(t, c.Release(ctx, "api|acme"))
	require.False(t, setter.keys["logpilot:cooldown:api|acme"])

	ok, _ = c.Acquire(ctx, "api|acme", time.Minute)
	require.True(t, ok, "released key can be taken again")
}

func TestRedisCooldownFailsOpen(t *testing.T) {
	c := newRedisCooldown(&fakeSetter{err: errors.New("dial tcp: connection refused")}, nil)
	ok, err := c.Acquire(context.Background(), "api", time.Minute)
	require.Error(t, err)
	require.True(t, ok)
}

type fakePublishClient struct {
	channel string
	payload []byte
}

func (f *fakePublishClient) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	return redis.NewIntResult(1, nil)
}

func TestRedisPublisher(t *testing.T) {
	client := &fakePublishClient{}
	p := &redisPublisher{client: client, channel: "logpilot:anomalies", timeout: time.Second}

	record := domain.AnomalyRecord{
		ID:          "0b7c7d43-6a3e-4d7e-9d4f-2f0c1c2f9a10",
		Service:     "api",
		WindowStart: testNow.Add(-2 * time.Minute),
		WindowEnd:   testNow,
		ErrorCount:  5,
		TotalCount:  20,
		ErrorRate:   0.25,
		Score:       250,
		Evidence:    map[string]any{"reason": ReasonFirstErrors},
		CreatedAt:   testNow,
	}
	require.NoError(t, p.Publish(context.Background(), record))
	require.Equal(t, "logpilot:anomalies", client.channel)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(client.payload, &decoded))
	require.Equal(t, "api", decoded["service"])
	require.Nil(t, decoded["org_id"])
	require.Equal(t, "2025-11-05T11:58:00Z", decoded["window_start"])
	require.Equal(t, 250.0, decoded["score"])
	require.Equal(t, ReasonFirstErrors, decoded["evidence"].(map[string]any)["reason"])
}
