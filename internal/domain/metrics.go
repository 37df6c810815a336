package domain

import "time"

// WindowAggregate summarises events inside a half-open interval.
type WindowAggregate struct {
	TotalCount int64
	ErrorCount int64
	AvgLatency *float64
}

// ErrorRate returns ErrorCount/TotalCount, or zero for an empty window.
func (a WindowAggregate) ErrorRate() float64 {
	return Rate(a.ErrorCount, a.TotalCount)
}

// Rate divides part by total, returning zero when total is not positive.
func Rate(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// MetricsBucket is one slot of a sparse time series.
type MetricsBucket struct {
	BucketStart time.Time `json:"timestamp"`
	Service     string    `json:"service,omitempty"`
	TotalCount  int64     `json:"totalCount"`
	ErrorCount  int64     `json:"errorCount"`
	AvgLatency  *float64  `json:"avgLatency,omitempty"`
}

// ServiceCount is an event volume per service.
type ServiceCount struct {
	Service string `json:"service"`
	Count   int64  `json:"count"`
}

// LevelCount is an event volume per severity.
type LevelCount struct {
	Level Level
	Count int64
}

// ResponseCodeCount is an event volume per response code.
type ResponseCodeCount struct {
	Code  int
	Count int64
}

// LatencyStats summarises latency across events carrying one.
type LatencyStats struct {
	Count int64
	Min   *float64
	Avg   *float64
	Max   *float64
}
