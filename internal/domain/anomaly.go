package domain

import "time"

// AnomalyRecord captures a detected error-rate spike. Records are never mutated.
type AnomalyRecord struct {
	ID           string         `json:"id"`
	Service      string         `json:"service"`
	Org          string         `json:"orgId,omitempty"`
	WindowStart  time.Time      `json:"windowStart"`
	WindowEnd    time.Time      `json:"windowEnd"`
	ErrorCount   int64          `json:"errorCount"`
	TotalCount   int64          `json:"totalCount"`
	ErrorRate    float64        `json:"errorRate"`
	BaselineRate float64        `json:"baselineRate"`
	Score        float64        `json:"score"`
	Evidence     map[string]any `json:"evidence"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Partition returns the (service, org) pair the record belongs to.
func (r AnomalyRecord) Partition() Partition {
	return Partition{Service: r.Service, Org: r.Org}
}

// AnomalyFilter narrows anomaly listings. Since applies to CreatedAt.
type AnomalyFilter struct {
	Service string
	Org     string
	Since   time.Time
}

// AnomalyStats summarises anomalies over a period.
type AnomalyStats struct {
	TotalAnomalies int64          `json:"totalAnomalies"`
	AvgErrorRate   *float64       `json:"avgErrorRate"`
	AvgScore       *float64       `json:"avgScore"`
	TopServices    []ServiceCount `json:"topServices"`
}
