// Package memory provides an in-process implementation of the repository interfaces.
// It backs the memory store driver and serves as the shared fixture in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
)

// Store keeps events and anomalies in memory.
type Store struct {
	mu        sync.RWMutex
	events    []domain.LogEvent
	anomalies []storedAnomaly
	nextID    int64
	now       func() time.Time
}

// anomalies are kept encoded the way the postgres store keeps them so that evidence
// survives the same JSON round trip.
type storedAnomaly struct {
	record   domain.AnomalyRecord
	evidence []byte
}

var (
	_ repository.EventStore   = (*Store)(nil)
	_ repository.AnomalyStore = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{now: time.Now}
}

// AppendEvents stores each valid event and rejects the rest individually.
func (s *Store) AppendEvents(ctx context.Context, events []domain.LogEvent) (domain.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.BatchResult{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := domain.BatchResult{}
	seen := make(map[domain.Partition]struct{})
	for i, event := range events {
		if err := checkEvent(event); err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, domain.ItemError{Index: i, Error: err.Error()})
			continue
		}
		s.nextID++
		event.ID = s.nextID
		event.Timestamp = event.Timestamp.UTC()
		if event.IngestedAt.IsZero() {
			event.IngestedAt = s.now().UTC()
		}
		if len(event.Metadata) > 0 {
			event.Metadata = append([]byte(nil), event.Metadata...)
		}
		s.events = append(s.events, event)
		result.Accepted++
		p := event.Partition()
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			result.Partitions = append(result.Partitions, p)
		}
	}
	return result, nil
}

func checkEvent(event domain.LogEvent) error {
	if strings.TrimSpace(event.Service) == "" {
		return fmt.Errorf("%w: service required", repository.ErrInvalidArgument)
	}
	if _, ok := domain.ParseLevel(string(event.Level)); !ok {
		return fmt.Errorf("%w: level %q", repository.ErrInvalidArgument, event.Level)
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp required", repository.ErrInvalidArgument)
	}
	return nil
}

func (s *Store) snapshot(ctx context.Context, filter domain.EventFilter) ([]domain.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.LogEvent, 0)
	for _, event := range s.events {
		if filter.Contains(event) {
			matched = append(matched, event)
		}
	}
	return matched, nil
}

// CountEvents counts matching events.
func (s *Store) CountEvents(ctx context.Context, filter domain.EventFilter) (int64, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// AggregateEvents returns totals and average latency for matching events.
func (s *Store) AggregateEvents(ctx context.Context, filter domain.EventFilter) (domain.WindowAggregate, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return domain.WindowAggregate{}, err
	}
	var (
		agg        domain.WindowAggregate
		latencySum float64
		latencyN   int64
	)
	for _, event := range events {
		agg.TotalCount++
		if event.IsError() {
			agg.ErrorCount++
		}
		if event.LatencyMS != nil {
			latencySum += float64(*event.LatencyMS)
			latencyN++
		}
	}
	if latencyN > 0 {
		avg := latencySum / float64(latencyN)
		agg.AvgLatency = &avg
	}
	return agg, nil
}

// ScanEvents streams matching events to fn.
func (s *Store) ScanEvents(ctx context.Context, filter domain.EventFilter, fn func(domain.LogEvent) error) error {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}

// ListEvents returns matching events newest first.
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.LogEvent, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return page(events, limit, offset), nil
}

// TopServices ranks services by event volume.
func (s *Store) TopServices(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.ServiceCount, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, event := range events {
		counts[event.Service]++
	}
	services := make([]domain.ServiceCount, 0, len(counts))
	for service, count := range counts {
		services = append(services, domain.ServiceCount{Service: service, Count: count})
	}
	sortServiceCounts(services)
	if limit > 0 && len(services) > limit {
		services = services[:limit]
	}
	return services, nil
}

// CountByLevel groups matching events by severity.
func (s *Store) CountByLevel(ctx context.Context, filter domain.EventFilter) ([]domain.LevelCount, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.Level]int64)
	for _, event := range events {
		counts[event.Level]++
	}
	levels := make([]domain.LevelCount, 0, len(counts))
	for level, count := range counts {
		levels = append(levels, domain.LevelCount{Level: level, Count: count})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels, nil
}

// ResponseCodes groups matching events carrying a response code, largest group first.
func (s *Store) ResponseCodes(ctx context.Context, filter domain.EventFilter) ([]domain.ResponseCodeCount, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int64)
	for _, event := range events {
		if event.ResponseCode != nil {
			counts[*event.ResponseCode]++
		}
	}
	codes := make([]domain.ResponseCodeCount, 0, len(counts))
	for code, count := range counts {
		codes = append(codes, domain.ResponseCodeCount{Code: code, Count: count})
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Count == codes[j].Count {
			return codes[i].Code < codes[j].Code
		}
		return codes[i].Count > codes[j].Count
	})
	return codes, nil
}

// LatencyStats returns min/avg/max latency over matching events.
func (s *Store) LatencyStats(ctx context.Context, filter domain.EventFilter) (domain.LatencyStats, error) {
	events, err := s.snapshot(ctx, filter)
	if err != nil {
		return domain.LatencyStats{}, err
	}
	var (
		stats    domain.LatencyStats
		sum      float64
		min, max float64
	)
	for _, event := range events {
		if event.LatencyMS == nil {
			continue
		}
		lat := float64(*event.LatencyMS)
		if stats.Count == 0 || lat < min {
			min = lat
		}
		if stats.Count == 0 || lat > max {
			max = lat
		}
		sum += lat
		stats.Count++
	}
	if stats.Count > 0 {
		avg := sum / float64(stats.Count)
		stats.Min, stats.Avg, stats.Max = &min, &avg, &max
	}
	return stats, nil
}

// SaveAnomaly appends an anomaly record.
func (s *Store) SaveAnomaly(ctx context.Context, record *domain.AnomalyRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if record == nil {
		return fmt.Errorf("anomaly record required")
	}
	evidence, err := json.Marshal(record.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	record.ID = uuid.NewString()
	stored := *record
	stored.Evidence = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, storedAnomaly{record: stored, evidence: evidence})
	return nil
}

// ListAnomalies returns matching records newest first.
func (s *Store) ListAnomalies(ctx context.Context, filter domain.AnomalyFilter, limit, offset int) ([]domain.AnomalyRecord, error) {
	records, err := s.anomalySnapshot(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return page(records, limit, offset), nil
}

// AnomalyStats summarises matching records.
func (s *Store) AnomalyStats(ctx context.Context, filter domain.AnomalyFilter) (domain.AnomalyStats, error) {
	records, err := s.anomalySnapshot(ctx, filter)
	if err != nil {
		return domain.AnomalyStats{}, err
	}
	stats := domain.AnomalyStats{TotalAnomalies: int64(len(records))}
	if len(records) == 0 {
		return stats, nil
	}
	var rateSum, scoreSum float64
	counts := make(map[string]int64)
	for _, record := range records {
		rateSum += record.ErrorRate
		scoreSum += record.Score
		counts[record.Service]++
	}
	avgRate := rateSum / float64(len(records))
	avgScore := scoreSum / float64(len(records))
	stats.AvgErrorRate, stats.AvgScore = &avgRate, &avgScore
	for service, count := range counts {
		stats.TopServices = append(stats.TopServices, domain.ServiceCount{Service: service, Count: count})
	}
	sortServiceCounts(stats.TopServices)
	return stats, nil
}

func (s *Store) anomalySnapshot(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.AnomalyRecord, 0, len(s.anomalies))
	for _, stored := range s.anomalies {
		r := stored.record
		if filter.Service != "" && r.Service != filter.Service {
			continue
		}
		if filter.Org != "" && r.Org != filter.Org {
			continue
		}
		if !filter.Since.IsZero() && r.CreatedAt.Before(filter.Since) {
			continue
		}
		if err := json.Unmarshal(stored.evidence, &r.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

func sortServiceCounts(services []domain.ServiceCount) {
	sort.Slice(services, func(i, j int) bool {
		if services[i].Count == services[j].Count {
			return services[i].Service < services[j].Service
		}
		return services[i].Count > services[j].Count
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
