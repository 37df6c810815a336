// Package telemetry owns the Prometheus collectors exported by the analytics core.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var detectionBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics records detection and ingestion activity. A nil *Metrics records nothing.
type Metrics struct {
	detections        *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	coalesced         prometheus.Counter
	inflight          prometheus.Gauge
	ingested          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors already registered
// by an earlier call are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logpilot",
			Subsystem: "detector",
			Name:      "runs_total",
			Help:      "Completed anomaly detection runs by outcome",
		}, []string{"outcome"}),
		detectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "logpilot",
			Subsystem: "detector",
			Name:      "run_duration_seconds",
			Help:      "Duration of anomaly detection runs",
			Buckets:   detectionBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logpilot",
			Subsystem: "scheduler",
			Name:      "coalesced_total",
			Help:      "Detection requests dropped because the partition was already in flight",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logpilot",
			Subsystem: "scheduler",
			Name:      "inflight",
			Help:      "Partitions with a detection run in flight",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logpilot",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Ingested log events by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}

	m.detections = register(reg, m.detections)
	m.detectionDuration = register(reg, m.detectionDuration)
	m.coalesced = register(reg, m.coalesced)
	m.inflight = register(reg, m.inflight)
	m.ingested = register(reg, m.ingested)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// DetectionFinished records one detection run.
func (m *Metrics) DetectionFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(outcome).Inc()
	m.detectionDuration.Observe(elapsed.Seconds())
}

// Coalesced records a dropped duplicate detection request.
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// InflightAdd moves the in-flight gauge by delta.
func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

// EventsIngested records the result of one batch.
func (m *Metrics) EventsIngested(accepted, rejected int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.ingested.WithLabelValues("accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		m.ingested.WithLabelValues("rejected").Add(float64(rejected))
	}
}
