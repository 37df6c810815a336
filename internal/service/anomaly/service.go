package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
	"github.com/splax/logpilot/pkg/config"
)

// Page is one page of anomalies, newest first.
type Page struct {
	Anomalies []domain.AnomalyRecord
	Limit     int
	Offset    int
	HasMore   bool
}

// Service exposes anomaly reads and on-demand detection.
type Service struct {
	store    repository.AnomalyStore
	detector *Detector
	limits   config.Limits
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(store repository.AnomalyStore, detector *Detector, limits config.Limits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, detector: detector, limits: limits, logger: logger, now: time.Now}
}

// List returns anomalies matching the filter.
func (s *Service) List(ctx context.Context, filter domain.AnomalyFilter, limit, offset int) (Page, error) {
	if limit < 1 || limit > s.limits.MaxPageLimit {
		return Page{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidParameter, s.limits.MaxPageLimit)
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidParameter)
	}
	filter.Service = strings.TrimSpace(filter.Service)
	filter.Org = strings.TrimSpace(filter.Org)

	// one extra row tells us whether another page exists
	records, err := s.store.ListAnomalies(ctx, filter, limit+1, offset)
	if err != nil {
		s.logger.Error("list anomalies failed", "error", err)
		return Page{}, err
	}
	page := Page{Limit: limit, Offset: offset}
	if len(records) > limit {
		page.HasMore = true
		records = records[:limit]
	}
	if records == nil {
		records = []domain.AnomalyRecord{}
	}
	page.Anomalies = records
	return page, nil
}

// Stats summarises anomalies created within the trailing hours.
func (s *Service) Stats(ctx context.Context, org string, hours int) (domain.AnomalyStats, error) {
	if hours < 1 || hours > s.limits.MaxHours {
		return domain.AnomalyStats{}, fmt.Errorf("%w: hours must be between 1 and %d", domain.ErrInvalidParameter, s.limits.MaxHours)
	}
	filter := domain.AnomalyFilter{
		Org:   strings.TrimSpace(org),
		Since: s.now().UTC().Add(-time.Duration(hours) * time.Hour),
	}
	stats, err := s.store.AnomalyStats(ctx, filter)
	if err != nil {
		s.logger.Error("anomaly stats failed", "error", err)
		return domain.AnomalyStats{}, err
	}
	return stats, nil
}

// DetectNow runs detection for one partition synchronously.
func (s *Service) DetectNow(ctx context.Context, service, org string) (bool, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return false, fmt.Errorf("%w: service required", domain.ErrInvalidParameter)
	}
	return s.detector.Detect(ctx, service, strings.TrimSpace(org)), nil
}
