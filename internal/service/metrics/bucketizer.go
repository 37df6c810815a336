package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/pkg/config"
)

// BucketStart returns the start of the bucket holding ts. Bucket boundaries are offsets from
// the start of the minute containing ts, so intervals that do not divide 60s restart their
// alignment every minute instead of following the epoch. Intervals of a minute or more
// therefore yield one bucket per minute.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	ts = ts.UTC()
	anchor := ts.Truncate(time.Minute)
	if interval <= 0 {
		return anchor
	}
	offset := ts.Sub(anchor)
	return anchor.Add(offset / interval * interval)
}

// BucketEnd returns the exclusive end of the bucket starting at start. Buckets never cross
// the end of their minute.
func BucketEnd(start time.Time, interval time.Duration) time.Time {
	end := start.Add(interval)
	if limit := start.Truncate(time.Minute).Add(time.Minute); end.After(limit) {
		return limit
	}
	return end
}

// ValidateInterval checks intervalSeconds against the configured bounds.
func ValidateInterval(intervalSeconds int, limits config.Limits) error {
	if intervalSeconds < limits.MinIntervalSeconds || intervalSeconds > limits.MaxIntervalSeconds {
		return fmt.Errorf("%w: interval must be between %d and %d seconds, got %d",
			domain.ErrInvalidParameter, limits.MinIntervalSeconds, limits.MaxIntervalSeconds, intervalSeconds)
	}
	return nil
}

type bucketKey struct {
	start   time.Time
	service string
}

type bucketTotals struct {
	count        int64
	errorCount   int64
	latencyCount int64
	latencySum   float64
}

// Bucketizer classifies events into aligned buckets. Only buckets that received at least
// one event are reported. It is not safe for concurrent use.
type Bucketizer struct {
	interval time.Duration
	from     time.Time
	to       time.Time
	buckets  map[bucketKey]*bucketTotals
}

// NewBucketizer returns a Bucketizer for events inside [from, to). Zero bounds are open.
func NewBucketizer(from, to time.Time, interval time.Duration) *Bucketizer {
	return &Bucketizer{
		interval: interval,
		from:     from,
		to:       to,
		buckets:  make(map[bucketKey]*bucketTotals),
	}
}

// Add assigns the event to exactly one bucket. Events outside the range are ignored.
func (b *Bucketizer) Add(event domain.LogEvent) {
	if !b.from.IsZero() && event.Timestamp.Before(b.from) {
		return
	}
	if !b.to.IsZero() && !event.Timestamp.Before(b.to) {
		return
	}
	key := bucketKey{start: BucketStart(event.Timestamp, b.interval), service: event.Service}
	totals := b.buckets[key]
	if totals == nil {
		totals = &bucketTotals{}
		b.buckets[key] = totals
	}
	totals.count++
	if event.IsError() {
		totals.errorCount++
	}
	if event.LatencyMS != nil {
		totals.latencyCount++
		totals.latencySum += float64(*event.LatencyMS)
	}
}

// Buckets returns the populated buckets ordered by start, then service.
func (b *Bucketizer) Buckets() []domain.MetricsBucket {
	out := make([]domain.MetricsBucket, 0, len(b.buckets))
	for key, totals := range b.buckets {
		bucket := domain.MetricsBucket{
			BucketStart: key.start,
			Service:     key.service,
			TotalCount:  totals.count,
			ErrorCount:  totals.errorCount,
		}
		if totals.latencyCount > 0 {
			avg := totals.latencySum / float64(totals.latencyCount)
			bucket.AvgLatency = &avg
		}
		out = append(out, bucket)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].Service < out[j].Service
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out
}

// Bucketize is a convenience wrapper classifying a slice of events.
func Bucketize(events []domain.LogEvent, from, to time.Time, interval time.Duration) []domain.MetricsBucket {
	b := NewBucketizer(from, to, interval)
	for _, event := range events {
		b.Add(event)
	}
	return b.Buckets()
}
