package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
	"github.com/splax/logpilot/internal/service/window"
	"github.com/splax/logpilot/pkg/config"
)

// Outcome classifies a single detection run.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAnomaly
	OutcomeSuppressed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnomaly:
		return "anomaly"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Detector compares the recent error rate of a partition against its preceding baseline.
// It holds no per-partition state; every run reads both windows from the store.
type Detector struct {
	stats     window.Stats
	anomalies repository.AnomalyStore
	cfg       config.DetectionConfig
	cooldown  Cooldown
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Detector.
type Option func(*Detector)

// WithCooldown suppresses repeat records for a partition within cfg.Cooldown.
func WithCooldown(c Cooldown) Option {
	return func(d *Detector) {
		if c != nil {
			d.cooldown = c
		}
	}
}

// WithPublisher fans persisted anomalies out to p.
func WithPublisher(p Publisher) Option {
	return func(d *Detector) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector constructs a Detector.
func NewDetector(events repository.EventStore, anomalies repository.AnomalyStore, cfg config.DetectionConfig, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		stats:     window.New(events),
		anomalies: anomalies,
		cfg:       cfg,
		publisher: noopPublisher{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs detection for the partition and reports whether an anomaly was recorded.
// Store failures are logged and reported as false.
func (d *Detector) Detect(ctx context.Context, service, org string) bool {
	outcome, _ := d.Run(ctx, service, org)
	return outcome == OutcomeAnomaly
}

// Run performs one detection and returns its outcome. The record is returned only for
// OutcomeAnomaly.
func (d *Detector) Run(ctx context.Context, service, org string) (Outcome, *domain.AnomalyRecord) {
	logger := d.logger.With("service", service, "org", org)

	// timestamptz keeps microseconds
	now := d.now().UTC().Truncate(time.Microsecond)
	recent := window.Trailing(now, d.cfg.RecentWindow)
	baseline := recent.Preceding(d.cfg.BaselineWindow)

	counts, recentAgg, err := d.read(ctx, service, org, recent, baseline)
	if err != nil {
		logger.Error("anomaly detection read failed", "error", err)
		return OutcomeFailed, nil
	}

	decision := Decide(counts, d.cfg.Factor, d.cfg.MinErrors)
	if !decision.Anomaly {
		return OutcomeNone, nil
	}

	key := domain.Partition{Service: service, Org: org}.String()
	held := false
	if d.cooldown != nil && d.cfg.Cooldown > 0 {
		allowed, err := d.cooldown.Acquire(ctx, key, d.cfg.Cooldown)
		if err != nil {
			logger.Warn("anomaly cooldown unavailable", "error", err)
		}
		if !allowed {
			logger.Debug("anomaly suppressed by cooldown", "score", decision.Score)
			return OutcomeSuppressed, nil
		}
		held = err == nil
	}

	record := &domain.AnomalyRecord{
		Service:      service,
		Org:          org,
		WindowStart:  recent.From,
		WindowEnd:    recent.To,
		ErrorCount:   counts.RecentErrors,
		TotalCount:   counts.RecentTotal,
		ErrorRate:    decision.RecentRate,
		BaselineRate: decision.BaselineRate,
		Score:        decision.Score,
		Evidence:     d.evidence(decision, counts, recentAgg),
		CreatedAt:    now,
	}
	if err := d.anomalies.SaveAnomaly(ctx, record); err != nil {
		logger.Error("anomaly persist failed", "error", err)
		if held {
			if err := d.cooldown.Release(ctx, key); err != nil {
				logger.Warn("anomaly cooldown release failed", "error", err)
			}
		}
		return OutcomeFailed, nil
	}

	logger.Info("anomaly detected",
		"anomaly_id", record.ID,
		"error_rate", record.ErrorRate,
		"baseline_rate", record.BaselineRate,
		"score", record.Score,
		"reason", decision.Reason,
	)
	if err := d.publisher.Publish(ctx, *record); err != nil {
		logger.Warn("anomaly publish failed", "anomaly_id", record.ID, "error", err)
	}
	return OutcomeAnomaly, record
}

func (d *Detector) read(ctx context.Context, service, org string, recent, baseline window.Interval) (Counts, domain.WindowAggregate, error) {
	recentAgg, err := d.stats.Aggregate(ctx, service, org, recent)
	if err != nil {
		return Counts{}, domain.WindowAggregate{}, fmt.Errorf("recent aggregate: %w", err)
	}
	recentErrors, err := d.stats.Count(ctx, service, org, domain.LevelError, recent)
	if err != nil {
		return Counts{}, domain.WindowAggregate{}, fmt.Errorf("recent errors: %w", err)
	}
	baselineAgg, err := d.stats.Aggregate(ctx, service, org, baseline)
	if err != nil {
		return Counts{}, domain.WindowAggregate{}, fmt.Errorf("baseline aggregate: %w", err)
	}
	baselineErrors, err := d.stats.Count(ctx, service, org, domain.LevelError, baseline)
	if err != nil {
		return Counts{}, domain.WindowAggregate{}, fmt.Errorf("baseline errors: %w", err)
	}
	return Counts{
		RecentErrors:   recentErrors,
		RecentTotal:    recentAgg.TotalCount,
		BaselineErrors: baselineErrors,
		BaselineTotal:  baselineAgg.TotalCount,
	}, recentAgg, nil
}

// evidence holds only strings, float64 and nil so it survives a JSON round trip unchanged.
func (d *Detector) evidence(decision Decision, counts Counts, recent domain.WindowAggregate) map[string]any {
	var avgLatency any
	if recent.AvgLatency != nil {
		avgLatency = *recent.AvgLatency
	}
	var multiple any
	if decision.BaselineRate > 0 {
		multiple = decision.RecentRate / decision.BaselineRate
	}
	return map[string]any{
		"reason":         decision.Reason,
		"recentWindow":   seconds(d.cfg.RecentWindow),
		"baselineWindow": seconds(d.cfg.BaselineWindow),
		"factor":         d.cfg.Factor,
		"minErrors":      float64(d.cfg.MinErrors),
		"avgLatency":     avgLatency,
		"multiple":       multiple,
		"baselineErrors": float64(counts.BaselineErrors),
		"baselineTotal":  float64(counts.BaselineTotal),
	}
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d/time.Second))
}
