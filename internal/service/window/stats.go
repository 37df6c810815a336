package window

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository"
)

// Interval is a half-open time range [From, To).
type Interval struct {
	From time.Time
	To   time.Time
}

// Trailing returns [end-span, end).
func Trailing(end time.Time, span time.Duration) Interval {
	return Interval{From: end.Add(-span), To: end}
}

// Preceding returns the interval of the given span ending where i starts.
func (i Interval) Preceding(span time.Duration) Interval {
	return Interval{From: i.From.Add(-span), To: i.From}
}

// Valid reports whether the interval is non-empty.
func (i Interval) Valid() bool {
	return i.From.Before(i.To)
}

// Stats answers count and aggregate queries over a half-open window. Events stamped exactly
// at To belong to the next window.
type Stats struct {
	store repository.EventStore
}

// New constructs Stats over the given store.
func New(store repository.EventStore) Stats {
	return Stats{store: store}
}

// Count returns the number of events for the service (and org, when set) in the window,
// optionally restricted to one level.
func (s Stats) Count(ctx context.Context, service, org string, level domain.Level, window Interval) (int64, error) {
	filter, err := s.filter(service, org, window)
	if err != nil {
		return 0, err
	}
	filter.Level = level
	return s.store.CountEvents(ctx, filter)
}

// Aggregate returns totals and average latency for the service (and org, when set) in the window.
func (s Stats) Aggregate(ctx context.Context, service, org string, window Interval) (domain.WindowAggregate, error) {
	filter, err := s.filter(service, org, window)
	if err != nil {
		return domain.WindowAggregate{}, err
	}
	agg, err := s.store.AggregateEvents(ctx, filter)
	if err != nil {
		return domain.WindowAggregate{}, err
	}
	if agg.ErrorCount > agg.TotalCount {
		agg.ErrorCount = agg.TotalCount
	}
	return agg, nil
}

func (s Stats) filter(service, org string, window Interval) (domain.EventFilter, error) {
	if !window.Valid() {
		return domain.EventFilter{}, fmt.Errorf("%w: window start %s must precede end %s",
			domain.ErrInvalidParameter, window.From.Format(time.RFC3339), window.To.Format(time.RFC3339))
	}
	return domain.EventFilter{
		Service: strings.TrimSpace(service),
		Org:     strings.TrimSpace(org),
		From:    window.From,
		To:      window.To,
	}, nil
}
