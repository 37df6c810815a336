package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/logpilot/internal/domain"
)

type eventNotification struct {
	Service string `json:"service"`
	Org     string `json:"org"`
}

// Listen subscribes to the commit notifications sent by CommitNotifier and calls fn once per
// notified partition. It blocks until ctx is cancelled.
func (r *Repository) Listen(ctx context.Context, channel string, logger *slog.Logger, fn func(domain.Partition)) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errors.New("notification channel required")
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(cleanup, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		partition, err := ParseNotification(notification.Payload)
		if err != nil {
			if logger != nil {
				logger.Warn("ignoring malformed event notification", "error", err, "payload", notification.Payload)
			}
			continue
		}
		fn(partition)
	}
}

// ParseNotification decodes a log_events notification payload.
func ParseNotification(payload string) (domain.Partition, error) {
	var n eventNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.Partition{}, err
	}
	n.Service = strings.TrimSpace(n.Service)
	if n.Service == "" {
		return domain.Partition{}, errors.New("notification without service")
	}
	return domain.Partition{Service: n.Service, Org: strings.TrimSpace(n.Org)}, nil
}

// NotificationPayload encodes a partition the way ParseNotification expects it.
func NotificationPayload(p domain.Partition) (string, error) {
	b, err := json.Marshal(eventNotification{Service: p.Service, Org: p.Org})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CommitNotifier announces the partitions of a committed batch on a notification channel,
// one payload per distinct partition, so that the process listening on it runs detection.
type CommitNotifier struct {
	db      execer
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommitNotifier returns a notifier sending on channel through pool.
func NewCommitNotifier(pool *pgxpool.Pool, channel string, logger *slog.Logger) *CommitNotifier {
	return newCommitNotifier(pool, channel, logger)
}

func newCommitNotifier(db execer, channel string, logger *slog.Logger) *CommitNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitNotifier{db: db, channel: strings.TrimSpace(channel), timeout: 2 * time.Second, logger: logger}
}

// NotifyPartitions sends every distinct partition in a single statement. Failures are logged;
// the events themselves are already committed.
func (n *CommitNotifier) NotifyPartitions(partitions []domain.Partition) {
	seen := make(map[domain.Partition]struct{}, len(partitions))
	payloads := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if _, ok := seen[p]; ok || p.Service == "" {
			continue
		}
		seen[p] = struct{}{}
		payload, err := NotificationPayload(p)
		if err != nil {
			n.logger.Warn("encode event notification", "partition", p.String(), "error", err)
			continue
		}
		payloads = append(payloads, payload)
	}
	if len(payloads) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if _, err := n.db.Exec(ctx, `SELECT pg_notify($1, payload) FROM unnest($2::text[]) AS payload`, n.channel, payloads); err != nil {
		n.logger.Error("event notification failed", "channel", n.channel, "partitions", len(payloads), "error", err)
	}
}
