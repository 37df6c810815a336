package anomaly

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/logpilot/internal/domain"
)

// Publisher fans out persisted anomalies to downstream alerting.
type Publisher interface {
	Publish(ctx context.Context, record domain.AnomalyRecord) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.AnomalyRecord) error { return nil }

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type redisPublisher struct {
	client  redisPublishClient
	channel string
	timeout time.Duration
}

// NewRedisPublisher publishes anomalies as JSON on a Redis pub/sub channel.
func NewRedisPublisher(client *redis.Client, channel string) Publisher {
	return &redisPublisher{client: client, channel: channel, timeout: time.Second}
}

func (p *redisPublisher) Publish(ctx context.Context, record domain.AnomalyRecord) error {
	payload, err := MarshalRecord(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// MarshalRecord encodes an anomaly record for streaming payloads.
func MarshalRecord(record domain.AnomalyRecord) ([]byte, error) {
	var org any
	if record.Org != "" {
		org = record.Org
	}
	payload := map[string]any{
		"id":           record.ID,
		"service":      record.Service,
		"org_id":       org,
		"window_start": record.WindowStart.UTC().Format(time.RFC3339Nano),
		"window_end":   record.WindowEnd.UTC().Format(time.RFC3339Nano),
		"error_count":  record.ErrorCount,
		"total_count":  record.TotalCount,
		"error_rate":   record.ErrorRate,
		"baseline":     record.BaselineRate,
		"score":        record.Score,
		"evidence":     record.Evidence,
		"created_at":   record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
