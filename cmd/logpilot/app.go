package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/logpilot/internal/app/migrate"
	"github.com/splax/logpilot/internal/repository"
	"github.com/splax/logpilot/internal/repository/memory"
	"github.com/splax/logpilot/internal/repository/postgres"
	"github.com/splax/logpilot/internal/service/anomaly"
	"github.com/splax/logpilot/internal/service/ingest"
	"github.com/splax/logpilot/internal/service/metrics"
	"github.com/splax/logpilot/internal/service/scheduler"
	"github.com/splax/logpilot/internal/telemetry"
	"github.com/splax/logpilot/pkg/config"
	"github.com/splax/logpilot/pkg/logger"
)

// app holds the wired core shared by every command.
type app struct {
	cfg       config.Config
	log       *slog.Logger
	store     repository.Store
	pg        *postgres.Repository
	pool      *pgxpool.Pool
	redis     *redis.Client
	telemetry *telemetry.Metrics
	detector  *anomaly.Detector
	scheduler *scheduler.Scheduler
	ingest    *ingest.Service
	anomalies *anomaly.Service
	metrics   *metrics.Engine
}

func newApp(ctx context.Context, component string, reg prometheus.Registerer) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(component, logger.ParseLevel(cfg.LogLevel))
	a := &app{cfg: cfg, log: log, telemetry: telemetry.New(reg)}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if err := a.openPostgres(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	default:
		log.Warn("using in-memory store; data is lost on exit")
		a.store = memory.New()
	}

	opts := []anomaly.Option{anomaly.WithCooldown(anomaly.NewMemoryCooldown())}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := anomaly.DialRedis(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis unavailable; cooldown stays local and anomalies are not published", "addr", addr, "error", err)
		} else {
			a.redis = client
			opts = []anomaly.Option{
				anomaly.WithCooldown(anomaly.NewRedisCooldown(client, log)),
				anomaly.WithPublisher(anomaly.NewRedisPublisher(client, cfg.AnomalyChannel)),
			}
		}
	}

	a.detector = anomaly.NewDetector(a.store, a.store, cfg.Detection, log, opts...)
	a.scheduler = scheduler.New(a.detector, cfg.Detection, a.telemetry, log)
	// With a shared database the process listening for commits is the only detection
	// authority; writers just announce what they committed.
	var notifier ingest.Notifier = a.scheduler
	if a.pg != nil {
		notifier = postgres.NewCommitNotifier(a.pool, cfg.EventChannel, log)
	}
	a.ingest = ingest.New(a.store, notifier, cfg.Limits, a.telemetry, log)
	a.anomalies = anomaly.NewService(a.store, a.detector, cfg.Limits, log)
	a.metrics = metrics.New(a.store, cfg.Limits, log)
	return a, nil
}

func (a *app) openPostgres(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool

	runner, err := migrate.New(pool, a.cfg.MigrationsDir, a.log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if a.cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			return err
		}
	} else {
		a.log.Info("automatic migrations disabled")
	}

	a.pg = postgres.New(pool)
	a.store = a.pg
	return nil
}

// Close drains detection and releases connections.
func (a *app) Close(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("detection drain interrupted", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
