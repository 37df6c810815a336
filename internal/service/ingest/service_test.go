package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/repository/memory"
	"github.com/splax/logpilot/internal/telemetry"
	"github.com/splax/logpilot/pkg/config"
)

var testNow = time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]domain.Partition
}

func (n *recordingNotifier) NotifyPartitions(partitions []domain.Partition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, append([]domain.Partition(nil), partitions...))
}

func setup(t *testing.T) (*Service, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.New()
	notifier := &recordingNotifier{}
	svc := New(store, notifier, config.DefaultLimits(), telemetry.New(prometheus.NewRegistry()), nil)
	svc.now = func() time.Time { return testNow }
	return svc, store, notifier
}

func ev(service, org string, level domain.Level) domain.LogEvent {
	return domain.LogEvent{Service: service, Org: org, Level: level, Timestamp: testNow.Add(-time.Minute)}
}

func TestIngestRejectsItemsIndividually(t *testing.T) {
	svc, store, notifier := setup(t)
	latency := int64(70000)
	code := 99
	batch := []domain.LogEvent{
		ev("api", "acme", domain.LevelInfo),
		ev("", "acme", domain.LevelInfo),
		ev("api", "acme", "fatal"),
		{Service: "api", Level: domain.LevelInfo, LatencyMS: &latency},
		ev("web", "", "error"),
		{Service: "api", Level: domain.LevelInfo, Timestamp: testNow, ResponseCode: &code},
		{Service: "api", Level: domain.LevelInfo, Timestamp: testNow, Message: strings.Repeat("x", 1001)},
		{Service: "api", Level: domain.LevelInfo, Timestamp: testNow, Metadata: []byte("{bad")},
	}

	result, err := svc.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 2, result.Accepted)
	require.Equal(t, 6, result.Rejected)
	require.True(t, result.Partial())

	var indexes []int
	for _, itemErr := range result.Errors {
		indexes = append(indexes, itemErr.Index)
	}
	require.Equal(t, []int{1, 2, 3, 5, 6, 7}, indexes)
	require.Contains(t, result.Errors[2].Error, "timestamp required")
	require.Contains(t, result.Errors[2].Error, "latency")

	stored, err := store.CountEvents(context.Background(), domain.EventFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 2, stored)

	errorsStored, err := store.CountEvents(context.Background(), domain.EventFilter{Level: domain.LevelError})
	require.NoError(t, err)
	require.EqualValues(t, 1, errorsStored, "levels are normalised before storage")

	require.Len(t, notifier.calls, 1)
	require.ElementsMatch(t, []domain.Partition{{Service: "api", Org: "acme"}, {Service: "web"}}, notifier.calls[0])
}

func TestIngestBatchBounds(t *testing.T) {
	svc, _, notifier := setup(t)
	_, err := svc.Ingest(context.Background(), nil)
	require.True(t, errors.Is(err, domain.ErrInvalidParameter))

	batch := make([]domain.LogEvent, 1001)
	for i := range batch {
		batch[i] = ev("api", "", domain.LevelInfo)
	}
	_, err = svc.Ingest(context.Background(), batch)
	require.True(t, errors.Is(err, domain.ErrInvalidParameter))
	require.Empty(t, notifier.calls)

	result, err := svc.Ingest(context.Background(), batch[:1000])
	require.NoError(t, err)
	require.Equal(t, 1000, result.Accepted)
	require.Len(t, notifier.calls, 1)
	require.Equal(t, []domain.Partition{{Service: "api"}}, notifier.calls[0])
}

func TestIngestAllRejectedDoesNotNotify(t *testing.T) {
	svc, _, notifier := setup(t)
	result, err := svc.Ingest(context.Background(), []domain.LogEvent{ev("", "", domain.LevelInfo)})
	require.NoError(t, err)
	require.Zero(t, result.Accepted)
	require.Equal(t, 1, result.Rejected)
	require.Empty(t, notifier.calls)
}

type failingAppend struct {
	*memory.Store
}

func (failingAppend) AppendEvents(context.Context, []domain.LogEvent) (domain.BatchResult, error) {
	return domain.BatchResult{}, fmt.Errorf("append events: %w: connection refused", domain.ErrStoreUnavailable)
}

func TestIngestPropagatesStoreFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := New(failingAppend{memory.New()}, notifier, config.DefaultLimits(), nil, nil)
	_, err := svc.Ingest(context.Background(), []domain.LogEvent{ev("api", "", domain.LevelInfo)})
	require.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	require.Empty(t, notifier.calls)
}

type interruptedAppend struct {
	*memory.Store
}

// AppendEvents stores the first event only, then fails.
func (a interruptedAppend) AppendEvents(ctx context.Context, events []domain.LogEvent) (domain.BatchResult, error) {
	stored, err := a.Store.AppendEvents(ctx, events[:1])
	if err != nil {
		return stored, err
	}
	return stored, fmt.Errorf("append events: %w: connection reset", domain.ErrStoreUnavailable)
}

func TestIngestReportsRowsCommittedBeforeFailure(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	svc := New(interruptedAppend{store}, notifier, config.DefaultLimits(), nil, nil)

	batch := []domain.LogEvent{
		ev("", "acme", domain.LevelInfo),
		ev("api", "acme", domain.LevelError),
		ev("web", "acme", domain.LevelInfo),
	}
	result, err := svc.Ingest(context.Background(), batch)
	require.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, 1, result.Rejected)
	require.Equal(t, 0, result.Errors[0].Index)
	require.Equal(t, []domain.Partition{{Service: "api", Org: "acme"}}, result.Partitions)

	require.Len(t, notifier.calls, 1)
	require.Equal(t, result.Partitions, notifier.calls[0])

	count, err := store.CountEvents(context.Background(), domain.EventFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestList(t *testing.T) {
	svc, _, _ := setup(t)
	batch := make([]domain.LogEvent, 0, 5)
	for i := 0; i < 5; i++ {
		e := ev("api", "acme", domain.LevelInfo)
		e.Timestamp = testNow.Add(-time.Duration(i) * time.Minute)
		e.Message = fmt.Sprintf("request %d served", i)
		batch = append(batch, e)
	}
	batch = append(batch, ev("web", "acme", domain.LevelError))
	_, err := svc.Ingest(context.Background(), batch)
	require.NoError(t, err)

	page, err := svc.List(context.Background(), domain.EventFilter{Service: "api"}, 2, 0)
	require.NoError(t, err)
	require.EqualValues(t, 5, page.Total)
	require.True(t, page.HasMore)
	require.Len(t, page.Events, 2)
	require.Equal(t, testNow, page.Events[0].Timestamp)

	page, err = svc.List(context.Background(), domain.EventFilter{Service: "api"}, 2, 4)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Events, 1)

	page, err = svc.List(context.Background(), domain.EventFilter{Level: "error"}, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "web", page.Events[0].Service)

	page, err = svc.List(context.Background(), domain.EventFilter{Search: "REQUEST 3"}, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
}

func TestListRejectsParameters(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	cases := []struct {
		filter        domain.EventFilter
		limit, offset int
	}{
		{domain.EventFilter{}, 0, 0},
		{domain.EventFilter{}, 1001, 0},
		{domain.EventFilter{}, 10, -1},
		{domain.EventFilter{Level: "trace"}, 10, 0},
		{domain.EventFilter{From: testNow, To: testNow}, 10, 0},
	}
	for _, tc := range cases {
		_, err := svc.List(ctx, tc.filter, tc.limit, tc.offset)
		require.True(t, errors.Is(err, domain.ErrInvalidParameter), "%+v", tc)
	}
}
