package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds runtime configuration for the analytics core. It is built once at startup
// and passed by value to the components that need it.
type Config struct {
	Environment   string
	MetricsAddr   string
	LogLevel      string
	StoreDriver   string
	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool
	EventChannel  string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AnomalyChannel string

	Detection DetectionConfig
	Limits    Limits
}

// DetectionConfig parameterises the anomaly detector and its scheduler.
type DetectionConfig struct {
	RecentWindow   time.Duration
	BaselineWindow time.Duration
	Factor         float64
	MinErrors      int64
	Cooldown       time.Duration
	MaxConcurrency int
	RunTimeout     time.Duration
}

// Limits bounds caller-supplied parameters.
type Limits struct {
	MinIntervalSeconds int
	MaxIntervalSeconds int
	MaxBatchSize       int
	MaxPageLimit       int
	MaxHours           int
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DefaultDetection returns the detector defaults.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		RecentWindow:   120 * time.Second,
		BaselineWindow: 3600 * time.Second,
		Factor:         3.0,
		MinErrors:      3,
		MaxConcurrency: 16,
		RunTimeout:     30 * time.Second,
	}
}

// DefaultLimits returns the parameter bounds.
func DefaultLimits() Limits {
	return Limits{
		MinIntervalSeconds: 1,
		MaxIntervalSeconds: 3600,
		MaxBatchSize:       1000,
		MaxPageLimit:       1000,
		MaxHours:           168,
	}
}

// Load constructs a Config from environment variables.
func Load() Config {
	detection := DefaultDetection()
	limits := DefaultLimits()
	return Config{
		Environment:    GetString("APP_ENV", "development"),
		MetricsAddr:    GetString("METRICS_ADDR", ":9090"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		StoreDriver:    strings.ToLower(GetString("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://logpilot:logpilot@db:5432/logpilot?sslmode=disable"),
		MigrationsDir:  GetString("DB_MIGRATIONS_DIR", ""),
		AutoMigrate:    GetBool("AUTO_MIGRATE", true),
		EventChannel:   GetString("PG_EVENT_CHANNEL", "log_events"),
		RedisAddr:      GetString("REDIS_ADDR", ""),
		RedisPassword:  GetString("REDIS_PASSWORD", ""),
		RedisDB:        GetInt("REDIS_DB", 0),
		AnomalyChannel: GetString("ANOMALY_REDIS_CHANNEL", "logpilot:anomalies"),
		Detection: DetectionConfig{
			RecentWindow:   time.Duration(GetInt("ANOMALY_WINDOW_SECONDS", int(detection.RecentWindow/time.Second))) * time.Second,
			BaselineWindow: time.Duration(GetInt("ANOMALY_BASELINE_SECONDS", int(detection.BaselineWindow/time.Second))) * time.Second,
			Factor:         GetFloat("ANOMALY_FACTOR", detection.Factor),
			MinErrors:      int64(GetInt("ANOMALY_MIN_ERRORS", int(detection.MinErrors))),
			Cooldown:       time.Duration(GetInt("ANOMALY_COOLDOWN_SECONDS", 0)) * time.Second,
			MaxConcurrency: GetInt("DETECTION_MAX_CONCURRENCY", detection.MaxConcurrency),
			RunTimeout:     time.Duration(GetInt("DETECTION_TIMEOUT_SECONDS", int(detection.RunTimeout/time.Second))) * time.Second,
		},
		Limits: Limits{
			MinIntervalSeconds: limits.MinIntervalSeconds,
			MaxIntervalSeconds: limits.MaxIntervalSeconds,
			MaxBatchSize:       GetInt("BATCH_SIZE", limits.MaxBatchSize),
			MaxPageLimit:       limits.MaxPageLimit,
			MaxHours:           limits.MaxHours,
		},
	}
}

// Validate reports configuration values the core cannot operate with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL required for postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}
	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Limits.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks detector parameters.
func (d DetectionConfig) Validate() error {
	var errs []error
	if d.RecentWindow <= 0 {
		errs = append(errs, errors.New("ANOMALY_WINDOW_SECONDS must be positive"))
	}
	if d.BaselineWindow <= 0 {
		errs = append(errs, errors.New("ANOMALY_BASELINE_SECONDS must be positive"))
	}
	if d.Factor <= 0 {
		errs = append(errs, errors.New("ANOMALY_FACTOR must be positive"))
	}
	if d.MinErrors < 0 {
		errs = append(errs, errors.New("ANOMALY_MIN_ERRORS must not be negative"))
	}
	if d.Cooldown < 0 {
		errs = append(errs, errors.New("ANOMALY_COOLDOWN_SECONDS must not be negative"))
	}
	return errors.Join(errs...)
}
