package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository/memory"
)

func seed(t *testing.T, store *memory.Store, events ...domain.LogEvent) {
	t.Helper()
	result, err := store.AppendEvents(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, len(events), result.Accepted)
}

func latency(v int64) *int64 { return &v }

func TestStatsHalfOpenBoundary(t *testing.T) {
	store := memory.New()
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	boundary := base.Add(time.Minute)
	seed(t, store,
		domain.LogEvent{Service: "api", Level: domain.LevelError, Timestamp: base},
		domain.LogEvent{Service: "api", Level: domain.LevelError, Timestamp: boundary},
	)
	stats := New(store)
	ctx := context.Background()

	first := Interval{From: base, To: boundary}
	second := Interval{From: boundary, To: boundary.Add(time.Minute)}

	n, err := stats.Count(ctx, "api", "", domain.LevelError, first)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "event at the end bound belongs to the next window")

	n, err = stats.Count(ctx, "api", "", domain.LevelError, second)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestStatsAggregateScopesByOrgAndLatency(t *testing.T) {
	store := memory.New()
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	seed(t, store,
		domain.LogEvent{Service: "api", Org: "acme", Level: domain.LevelInfo, LatencyMS: latency(100), Timestamp: base},
		domain.LogEvent{Service: "api", Org: "acme", Level: domain.LevelError, LatencyMS: latency(300), Timestamp: base.Add(time.Second)},
		domain.LogEvent{Service: "api", Org: "acme", Level: domain.LevelWarn, Timestamp: base.Add(2 * time.Second)},
		domain.LogEvent{Service: "api", Org: "globex", Level: domain.LevelError, LatencyMS: latency(900), Timestamp: base},
		domain.LogEvent{Service: "web", Org: "acme", Level: domain.LevelError, Timestamp: base},
	)
	stats := New(store)
	window := Trailing(base.Add(time.Minute), time.Hour)

	agg, err := stats.Aggregate(context.Background(), "api", "acme", window)
	require.NoError(t, err)
	require.EqualValues(t, 3, agg.TotalCount)
	require.EqualValues(t, 1, agg.ErrorCount)
	require.NotNil(t, agg.AvgLatency)
	require.InDelta(t, 200.0, *agg.AvgLatency, 1e-9)

	all, err := stats.Aggregate(context.Background(), "api", "", window)
	require.NoError(t, err)
	require.EqualValues(t, 4, all.TotalCount, "empty org spans every tenant")
	require.EqualValues(t, 2, all.ErrorCount)
}

func TestStatsAggregateWithoutLatency(t *testing.T) {
	store := memory.New()
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	seed(t, store, domain.LogEvent{Service: "api", Level: domain.LevelInfo, Timestamp: base})

	agg, err := New(store).Aggregate(context.Background(), "api", "", Trailing(base.Add(time.Second), time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, agg.TotalCount)
	require.Nil(t, agg.AvgLatency)
}

func TestStatsRejectsEmptyWindow(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	_, err := New(memory.New()).Count(context.Background(), "api", "", "", Interval{From: now, To: now})
	require.True(t, errors.Is(err, domain.ErrInvalidParameter))
}

func TestIntervalPreceding(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	recent := Trailing(now, 2*time.Minute)
	baseline := recent.Preceding(time.Hour)
	require.Equal(t, recent.From, baseline.To)
	require.Equal(t, now.Add(-62*time.Minute), baseline.From)
}
