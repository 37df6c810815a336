package repository

import (
	"context"

	"github.com/splax/logpilot/internal/domain"
)

// EventStore persists log events and answers windowed queries over them.
// Every read and write failure is reported wrapped in domain.ErrStoreUnavailable.
type EventStore interface {
	// AppendEvents stores each event independently; a rejected event never aborts the batch.
	AppendEvents(ctx context.Context, events []domain.LogEvent) (domain.BatchResult, error)
	CountEvents(ctx context.Context, filter domain.EventFilter) (int64, error)
	AggregateEvents(ctx context.Context, filter domain.EventFilter) (domain.WindowAggregate, error)
	// ScanEvents calls fn for every matching event in no particular order.
	ScanEvents(ctx context.Context, filter domain.EventFilter, fn func(domain.LogEvent) error) error
	// ListEvents returns matching events newest first.
	ListEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.LogEvent, error)
	TopServices(ctx context.Context, filter domain.EventFilter, limit int) ([]domain.ServiceCount, error)
	CountByLevel(ctx context.Context, filter domain.EventFilter) ([]domain.LevelCount, error)
	ResponseCodes(ctx context.Context, filter domain.EventFilter) ([]domain.ResponseCodeCount, error)
	LatencyStats(ctx context.Context, filter domain.EventFilter) (domain.LatencyStats, error)
}

// AnomalyStore persists anomaly records.
type AnomalyStore interface {
	SaveAnomaly(ctx context.Context, record *domain.AnomalyRecord) error
	// ListAnomalies returns matching records newest first.
	ListAnomalies(ctx context.Context, filter domain.AnomalyFilter, limit, offset int) ([]domain.AnomalyRecord, error)
	AnomalyStats(ctx context.Context, filter domain.AnomalyFilter) (domain.AnomalyStats, error)
}

// Store combines both persistence surfaces.
type Store interface {
	EventStore
	AnomalyStore
}
