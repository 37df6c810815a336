package metrics

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/pkg/config"
)

func TestBucketStartAlignsToMinute(t *testing.T) {
	cases := []struct {
		name     string
		ts       string
		interval time.Duration
		want     string
	}{
		{name: "divides minute", ts: "2025-11-05T12:34:47Z", interval: 15 * time.Second, want: "2025-11-05T12:34:45Z"},
		{name: "one second", ts: "2025-11-05T12:34:47.900Z", interval: time.Second, want: "2025-11-05T12:34:47Z"},
		{name: "resets every minute", ts: "2025-11-05T12:34:59Z", interval: 7 * time.Second, want: "2025-11-05T12:34:56Z"},
		{name: "not epoch aligned", ts: "2025-11-05T12:35:03Z", interval: 7 * time.Second, want: "2025-11-05T12:35:00Z"},
		{name: "whole minute", ts: "2025-11-05T12:35:59Z", interval: time.Minute, want: "2025-11-05T12:35:00Z"},
		{name: "ninety seconds", ts: "2025-11-05T12:34:47Z", interval: 90 * time.Second, want: "2025-11-05T12:34:00Z"},
		{name: "five minutes", ts: "2025-11-05T12:34:47Z", interval: 5 * time.Minute, want: "2025-11-05T12:34:00Z"},
		{name: "thirty minutes", ts: "2025-11-05T12:34:47Z", interval: 30 * time.Minute, want: "2025-11-05T12:34:00Z"},
		{name: "hour", ts: "2025-11-05T12:34:47Z", interval: time.Hour, want: "2025-11-05T12:34:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, err := time.Parse(time.RFC3339Nano, tc.ts)
			require.NoError(t, err)
			want, err := time.Parse(time.RFC3339, tc.want)
			require.NoError(t, err)
			require.Equal(t, want, BucketStart(ts, tc.interval))
		})
	}
}

func TestBucketizeCoversEveryEventOnce(t *testing.T) {
	from := time.Date(2025, time.November, 5, 12, 0, 17, 0, time.UTC)
	to := from.Add(47 * time.Minute)
	rng := rand.New(rand.NewSource(42))

	events := make([]domain.LogEvent, 0, 500)
	for i := 0; i < 500; i++ {
		// spread a little outside the range on both sides
		offset := time.Duration(rng.Int63n(int64(50*time.Minute))) - 90*time.Second
		level := domain.LevelInfo
		if i%4 == 0 {
			level = domain.LevelError
		}
		events = append(events, domain.LogEvent{Service: "api", Level: level, Timestamp: from.Add(offset)})
	}

	for _, seconds := range []int{1, 7, 15, 60, 90, 300, 420, 1800, 3600} {
		interval := time.Duration(seconds) * time.Second
		buckets := Bucketize(events, from, to, interval)

		var inRange, total int64
		for _, e := range events {
			if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
				inRange++
				covering := 0
				for _, b := range buckets {
					if !e.Timestamp.Before(b.BucketStart) && e.Timestamp.Before(BucketEnd(b.BucketStart, interval)) {
						covering++
					}
				}
				require.Equal(t, 1, covering, "interval %ds event %s", seconds, e.Timestamp)
			}
		}
		for i, b := range buckets {
			total += b.TotalCount
			require.LessOrEqual(t, b.ErrorCount, b.TotalCount)
			require.Positive(t, b.TotalCount, "buckets are sparse")
			if i > 0 {
				require.True(t, buckets[i-1].BucketStart.Before(b.BucketStart), "buckets ordered and disjoint")
			}
		}
		require.Equal(t, inRange, total, "interval %ds", seconds)
	}
}

func TestBucketEndClipsAtMinute(t *testing.T) {
	start := time.Date(2025, time.November, 5, 12, 0, 56, 0, time.UTC)
	require.Equal(t, start.Add(4*time.Second), BucketEnd(start, 7*time.Second))
	require.Equal(t, start, BucketEnd(start.Add(-7*time.Second), 7*time.Second))

	long := time.Date(2025, time.November, 5, 12, 56, 0, 0, time.UTC)
	require.Equal(t, long.Add(time.Minute), BucketEnd(long, 7*time.Minute))
	require.Equal(t, long.Add(time.Minute), BucketEnd(long, time.Hour))
}

func TestBucketizeGroupsByServiceAndAveragesLatency(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	fast, slow := int64(40), int64(160)
	events := []domain.LogEvent{
		{Service: "web", Level: domain.LevelInfo, LatencyMS: &fast, Timestamp: base.Add(5 * time.Second)},
		{Service: "api", Level: domain.LevelError, LatencyMS: &slow, Timestamp: base.Add(10 * time.Second)},
		{Service: "api", Level: domain.LevelInfo, LatencyMS: &fast, Timestamp: base.Add(20 * time.Second)},
		{Service: "api", Level: domain.LevelInfo, Timestamp: base.Add(40 * time.Second)},
	}
	buckets := Bucketize(events, base, base.Add(time.Minute), 30*time.Second)
	require.Len(t, buckets, 3)

	require.Equal(t, "api", buckets[0].Service)
	require.Equal(t, base, buckets[0].BucketStart)
	require.EqualValues(t, 2, buckets[0].TotalCount)
	require.EqualValues(t, 1, buckets[0].ErrorCount)
	require.NotNil(t, buckets[0].AvgLatency)
	require.InDelta(t, 100.0, *buckets[0].AvgLatency, 1e-9)

	require.Equal(t, "web", buckets[1].Service)
	require.Equal(t, base, buckets[1].BucketStart)

	require.Equal(t, base.Add(30*time.Second), buckets[2].BucketStart)
	require.Nil(t, buckets[2].AvgLatency, "no event in the bucket carries latency")
}

func TestBucketizeExcludesEndBound(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	end := base.Add(time.Minute)
	events := []domain.LogEvent{
		{Service: "api", Level: domain.LevelInfo, Timestamp: base},
		{Service: "api", Level: domain.LevelInfo, Timestamp: end},
	}
	buckets := Bucketize(events, base, end, time.Minute)
	require.Len(t, buckets, 1)
	require.EqualValues(t, 1, buckets[0].TotalCount)
}

func TestValidateInterval(t *testing.T) {
	limits := config.DefaultLimits()
	for _, seconds := range []int{0, -1, 3601} {
		err := ValidateInterval(seconds, limits)
		require.Error(t, err)
		require.True(t, errors.Is(err, domain.ErrInvalidParameter), "interval %d", seconds)
	}
	for _, seconds := range []int{1, 60, 3600} {
		require.NoError(t, ValidateInterval(seconds, limits))
	}
}
