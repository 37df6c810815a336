package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
	"github.com/splax/logpilot/internal/service/window"
	"github.com/splax/logpilot/pkg/config"
)

const (
	topServicesLimit = 10
	trendSpan        = 6 * time.Hour
	trendInterval    = 30 * 60
	timelineInterval = 5 * 60
	realTimeSpan     = 5 * time.Minute
	realTimeFeedSize = 10
)

// Engine answers dashboard queries. Every operation is a read against the event store and
// holds no locks, so calls may run concurrently with ingestion and with each other.
type Engine struct {
	store  repository.EventStore
	stats  window.Stats
	limits config.Limits
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an Engine.
func New(store repository.EventStore, limits config.Limits, logger *slog.Logger) *Engine {
	if logger != nil {
		logger = logger.With("component", "metrics_engine")
	}
	return &Engine{
		store:  store,
		stats:  window.New(store),
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// TopService is a service ranked by volume with its own error rate.
type TopService struct {
	Service   string  `json:"service"`
	Count     int64   `json:"count"`
	ErrorRate float64 `json:"errorRate"`
}

// Dashboard summarises the trailing hours for an org (or every org).
type Dashboard struct {
	TotalLogs   int64                  `json:"totalLogs"`
	TotalErrors int64                  `json:"totalErrors"`
	ErrorRate   float64                `json:"errorRate"`
	AvgLatency  float64                `json:"avgLatency"`
	TopServices []TopService           `json:"topServices"`
	RecentTrend []domain.MetricsBucket `json:"recentTrend"`
}

// ResponseCode is one entry of the response-code histogram.
type ResponseCode struct {
	Code  int   `json:"code"`
	Count int64 `json:"count"`
}

// ServiceDetail summarises one service over the trailing hours.
type ServiceDetail struct {
	Service       string                 `json:"service"`
	TotalLogs     int64                  `json:"totalLogs"`
	ErrorCount    int64                  `json:"errorCount"`
	ErrorRate     float64                `json:"errorRate"`
	AvgLatency    float64                `json:"avgLatency"`
	MinLatency    float64                `json:"minLatency"`
	MaxLatency    float64                `json:"maxLatency"`
	ResponseCodes []ResponseCode         `json:"responseCodes"`
	Timeline      []domain.MetricsBucket `json:"timeline"`
}

// RealTime is a snapshot of the trailing five minutes.
type RealTime struct {
	LogCount   int64             `json:"logsPerMinute"`
	ErrorCount int64             `json:"errorsPerMinute"`
	AvgLatency float64           `json:"avgLatency"`
	LatestLogs []domain.LogEvent `json:"latestLogs"`
	Timestamp  time.Time         `json:"timestamp"`
}

// LevelTotal is an event count per level.
type LevelTotal struct {
	Level domain.Level `json:"level"`
	Count int64        `json:"count"`
}

// ServiceTotal is an event count per service.
type ServiceTotal struct {
	Service string `json:"service"`
	Count   int64  `json:"count"`
}

// LogStats breaks the trailing hours down by level and service.
type LogStats struct {
	Total       int64          `json:"total"`
	AvgLatency  *float64       `json:"avgLatency"`
	ByLevel     []LevelTotal   `json:"byLevel"`
	TopServices []ServiceTotal `json:"topServices"`
}

// TimeSeries buckets events in [from, to) by intervalSeconds. Empty buckets are omitted.
func (e *Engine) TimeSeries(ctx context.Context, from, to time.Time, intervalSeconds int, service, org string) ([]domain.MetricsBucket, error) {
	if err := ValidateInterval(intervalSeconds, e.limits); err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: start and end time required", domain.ErrInvalidParameter)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: start time must precede end time", domain.ErrInvalidParameter)
	}
	filter := domain.EventFilter{
		Service: strings.TrimSpace(service),
		Org:     strings.TrimSpace(org),
		From:    from,
		To:      to,
	}
	b := NewBucketizer(from, to, time.Duration(intervalSeconds)*time.Second)
	if err := e.store.ScanEvents(ctx, filter, func(event domain.LogEvent) error {
		b.Add(event)
		return nil
	}); err != nil {
		return nil, err
	}
	return b.Buckets(), nil
}

// Dashboard computes totals, the top services and a six hour trend.
func (e *Engine) Dashboard(ctx context.Context, org string, hours int) (Dashboard, error) {
	if err := e.validateHours(hours); err != nil {
		return Dashboard{}, err
	}
	org = strings.TrimSpace(org)
	now := e.now().UTC()
	span := window.Trailing(now, time.Duration(hours)*time.Hour)

	var (
		totals domain.WindowAggregate
		errs   int64
		top    []domain.ServiceCount
		trend  []domain.MetricsBucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = e.stats.Aggregate(gctx, "", org, span)
		return err
	})
	g.Go(func() error {
		var err error
		errs, err = e.stats.Count(gctx, "", org, domain.LevelError, span)
		return err
	})
	g.Go(func() error {
		var err error
		top, err = e.store.TopServices(gctx, domain.EventFilter{Org: org, From: span.From, To: span.To}, topServicesLimit)
		return err
	})
	g.Go(func() error {
		var err error
		trend, err = e.TimeSeries(gctx, now.Add(-trendSpan), now, trendInterval, "", org)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, e.queryFailed("dashboard", err)
	}

	services, err := e.rankServices(ctx, top, org, span)
	if err != nil {
		return Dashboard{}, e.queryFailed("dashboard", err)
	}
	return Dashboard{
		TotalLogs:   totals.TotalCount,
		TotalErrors: errs,
		ErrorRate:   domain.Rate(errs, totals.TotalCount),
		AvgLatency:  valueOrZero(totals.AvgLatency),
		TopServices: services,
		RecentTrend: trend,
	}, nil
}

// rankServices attaches an error rate to each top service, one window query per service.
func (e *Engine) rankServices(ctx context.Context, top []domain.ServiceCount, org string, span window.Interval) ([]TopService, error) {
	services := make([]TopService, len(top))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range top {
		i, sc := i, sc
		g.Go(func() error {
			errs, err := e.stats.Count(gctx, sc.Service, org, domain.LevelError, span)
			if err != nil {
				return err
			}
			services[i] = TopService{Service: sc.Service, Count: sc.Count, ErrorRate: domain.Rate(errs, sc.Count)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return services, nil
}

// ServiceDetail summarises one service: totals, latency spread, response codes and a
// five minute timeline.
func (e *Engine) ServiceDetail(ctx context.Context, service, org string, hours int) (ServiceDetail, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return ServiceDetail{}, fmt.Errorf("%w: service required", domain.ErrInvalidParameter)
	}
	if err := e.validateHours(hours); err != nil {
		return ServiceDetail{}, err
	}
	org = strings.TrimSpace(org)
	now := e.now().UTC()
	span := window.Trailing(now, time.Duration(hours)*time.Hour)
	filter := domain.EventFilter{Service: service, Org: org, From: span.From, To: span.To}

	var (
		agg      domain.WindowAggregate
		errs     int64
		latency  domain.LatencyStats
		codes    []domain.ResponseCodeCount
		timeline []domain.MetricsBucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agg, err = e.stats.Aggregate(gctx, service, org, span)
		return err
	})
	g.Go(func() error {
		var err error
		errs, err = e.stats.Count(gctx, service, org, domain.LevelError, span)
		return err
	})
	g.Go(func() error {
		var err error
		latency, err = e.store.LatencyStats(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		codes, err = e.store.ResponseCodes(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		timeline, err = e.TimeSeries(gctx, span.From, span.To, timelineInterval, service, org)
		return err
	})
	if err := g.Wait(); err != nil {
		return ServiceDetail{}, e.queryFailed("service detail", err)
	}

	histogram := make([]ResponseCode, 0, len(codes))
	for _, c := range codes {
		histogram = append(histogram, ResponseCode{Code: c.Code, Count: c.Count})
	}
	return ServiceDetail{
		Service:       service,
		TotalLogs:     agg.TotalCount,
		ErrorCount:    errs,
		ErrorRate:     domain.Rate(errs, agg.TotalCount),
		AvgLatency:    valueOrZero(agg.AvgLatency),
		MinLatency:    valueOrZero(latency.Min),
		MaxLatency:    valueOrZero(latency.Max),
		ResponseCodes: histogram,
		Timeline:      timeline,
	}, nil
}

// RealTime returns counts over the trailing five minutes and the most recent events.
func (e *Engine) RealTime(ctx context.Context, org string) (RealTime, error) {
	org = strings.TrimSpace(org)
	now := e.now().UTC()
	span := window.Trailing(now, realTimeSpan)

	var (
		agg    domain.WindowAggregate
		latest []domain.LogEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agg, err = e.stats.Aggregate(gctx, "", org, span)
		return err
	})
	g.Go(func() error {
		var err error
		latest, err = e.store.ListEvents(gctx, domain.EventFilter{Org: org, From: span.From, To: span.To}, realTimeFeedSize, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return RealTime{}, e.queryFailed("real time", err)
	}
	return RealTime{
		LogCount:   agg.TotalCount,
		ErrorCount: agg.ErrorCount,
		AvgLatency: valueOrZero(agg.AvgLatency),
		LatestLogs: latest,
		Timestamp:  now,
	}, nil
}

// LogStats breaks the trailing hours down by level and by service.
func (e *Engine) LogStats(ctx context.Context, org string, hours int) (LogStats, error) {
	if err := e.validateHours(hours); err != nil {
		return LogStats{}, err
	}
	org = strings.TrimSpace(org)
	span := window.Trailing(e.now().UTC(), time.Duration(hours)*time.Hour)
	filter := domain.EventFilter{Org: org, From: span.From, To: span.To}

	var (
		agg    domain.WindowAggregate
		levels []domain.LevelCount
		top    []domain.ServiceCount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agg, err = e.stats.Aggregate(gctx, "", org, span)
		return err
	})
	g.Go(func() error {
		var err error
		levels, err = e.store.CountByLevel(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		top, err = e.store.TopServices(gctx, filter, topServicesLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return LogStats{}, e.queryFailed("log stats", err)
	}

	stats := LogStats{
		Total:       agg.TotalCount,
		AvgLatency:  agg.AvgLatency,
		ByLevel:     make([]LevelTotal, 0, len(levels)),
		TopServices: make([]ServiceTotal, 0, len(top)),
	}
	for _, l := range levels {
		stats.ByLevel = append(stats.ByLevel, LevelTotal{Level: l.Level, Count: l.Count})
	}
	for _, s := range top {
		stats.TopServices = append(stats.TopServices, ServiceTotal{Service: s.Service, Count: s.Count})
	}
	return stats, nil
}

func (e *Engine) validateHours(hours int) error {
	if hours < 1 || hours > e.limits.MaxHours {
		return fmt.Errorf("%w: hours must be between 1 and %d, got %d", domain.ErrInvalidParameter, e.limits.MaxHours, hours)
	}
	return nil
}

func (e *Engine) queryFailed(op string, err error) error {
	if e.logger != nil && !errors.Is(err, domain.ErrInvalidParameter) {
		e.logger.Warn("metrics query failed", "op", op, "error", err)
	}
	return err
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
