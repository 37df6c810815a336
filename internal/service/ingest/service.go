package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
	"github.com/splax/logpilot/internal/telemetry"
	"github.com/splax/logpilot/pkg/config"
)

const (
	maxServiceLen = 100
	maxOrgLen     = 100
	maxMessageLen = 1000
	maxLatencyMS  = 60000
)

// Notifier receives the partitions touched by a committed batch.
type Notifier interface {
	NotifyPartitions(partitions []domain.Partition)
}

// EventPage is one page of events, newest first.
type EventPage struct {
	Events  []domain.LogEvent
	Total   int64
	Limit   int
	Offset  int
	HasMore bool
}

// Service validates and stores log batches and triggers detection for what was stored.
type Service struct {
	store    repository.EventStore
	notifier Notifier
	limits   config.Limits
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs an ingest service. notifier may be nil when detection is driven elsewhere.
func New(store repository.EventStore, notifier Notifier, limits config.Limits, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, limits: limits, metrics: metrics, logger: logger, now: time.Now}
}

// Ingest stores a batch. Invalid events are rejected individually and reported by their
// position in events; the rest are appended. Detection is requested for every partition
// with at least one stored event, and only after the append has returned. When the store
// fails part way, the result still describes the rows already committed.
func (s *Service) Ingest(ctx context.Context, events []domain.LogEvent) (domain.BatchResult, error) {
	if len(events) == 0 || len(events) > s.limits.MaxBatchSize {
		return domain.BatchResult{}, fmt.Errorf("%w: batch must hold between 1 and %d events", domain.ErrInvalidParameter, s.limits.MaxBatchSize)
	}

	result := domain.BatchResult{Errors: []domain.ItemError{}}
	valid := make([]domain.LogEvent, 0, len(events))
	positions := make([]int, 0, len(events))
	ingestedAt := s.now().UTC()
	for i, event := range events {
		normalized, err := normalize(event)
		if err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, domain.ItemError{Index: i, Error: err.Error()})
			continue
		}
		normalized.IngestedAt = ingestedAt
		valid = append(valid, normalized)
		positions = append(positions, i)
	}

	var appendErr error
	if len(valid) > 0 {
		stored, err := s.store.AppendEvents(ctx, valid)
		result.Accepted = stored.Accepted
		result.Rejected += stored.Rejected
		for _, itemErr := range stored.Errors {
			if itemErr.Index >= 0 && itemErr.Index < len(positions) {
				itemErr.Index = positions[itemErr.Index]
			}
			result.Errors = append(result.Errors, itemErr)
		}
		result.Partitions = stored.Partitions
		appendErr = err
	}
	sortItemErrors(result.Errors)
	s.metrics.EventsIngested(result.Accepted, result.Rejected)

	if appendErr != nil {
		// rows written before the failure stay committed
		s.logger.Error("append events failed", "count", len(valid), "stored", result.Accepted, "error", appendErr)
		s.notify(result.Partitions)
		return result, appendErr
	}
	s.logger.Info("batch ingested", "received", len(events), "accepted", result.Accepted, "rejected", result.Rejected)

	s.notify(result.Partitions)
	return result, nil
}

func (s *Service) notify(partitions []domain.Partition) {
	if s.notifier != nil && len(partitions) > 0 {
		s.notifier.NotifyPartitions(partitions)
	}
}

// List returns matching events newest first together with the total match count.
func (s *Service) List(ctx context.Context, filter domain.EventFilter, limit, offset int) (EventPage, error) {
	if limit < 1 || limit > s.limits.MaxPageLimit {
		return EventPage{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidParameter, s.limits.MaxPageLimit)
	}
	if offset < 0 {
		return EventPage{}, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidParameter)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return EventPage{}, fmt.Errorf("%w: start must precede end", domain.ErrInvalidParameter)
	}
	if filter.Level != "" {
		level, ok := domain.ParseLevel(string(filter.Level))
		if !ok {
			return EventPage{}, fmt.Errorf("%w: unknown level %q", domain.ErrInvalidParameter, filter.Level)
		}
		filter.Level = level
	}

	events, err := s.store.ListEvents(ctx, filter, limit, offset)
	if err != nil {
		return EventPage{}, err
	}
	total, err := s.store.CountEvents(ctx, filter)
	if err != nil {
		return EventPage{}, err
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	return EventPage{
		Events:  events,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: total > int64(offset+limit),
	}, nil
}

func normalize(event domain.LogEvent) (domain.LogEvent, error) {
	var errs []error
	event.Service = strings.TrimSpace(event.Service)
	event.Org = strings.TrimSpace(event.Org)

	if n := utf8.RuneCountInString(event.Service); n == 0 || n > maxServiceLen {
		errs = append(errs, fmt.Errorf("service must be 1-%d characters", maxServiceLen))
	}
	if utf8.RuneCountInString(event.Org) > maxOrgLen {
		errs = append(errs, fmt.Errorf("org must be at most %d characters", maxOrgLen))
	}
	if level, ok := domain.ParseLevel(string(event.Level)); ok {
		event.Level = level
	} else {
		errs = append(errs, fmt.Errorf("level must be one of DEBUG, INFO, WARN, ERROR"))
	}
	if event.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp required"))
	}
	if utf8.RuneCountInString(event.Message) > maxMessageLen {
		errs = append(errs, fmt.Errorf("message must be at most %d characters", maxMessageLen))
	}
	if event.LatencyMS != nil && (*event.LatencyMS < 0 || *event.LatencyMS > maxLatencyMS) {
		errs = append(errs, fmt.Errorf("latency must be between 0 and %d ms", maxLatencyMS))
	}
	if event.ResponseCode != nil && (*event.ResponseCode < 100 || *event.ResponseCode > 599) {
		errs = append(errs, errors.New("response code must be between 100 and 599"))
	}
	if len(event.Metadata) > 0 && !json.Valid(event.Metadata) {
		errs = append(errs, errors.New("metadata must be valid JSON"))
	}
	if len(errs) > 0 {
		return event, errors.Join(errs...)
	}
	event.Timestamp = event.Timestamp.UTC()
	return event, nil
}

func sortItemErrors(errs []domain.ItemError) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
}
