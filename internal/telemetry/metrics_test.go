package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DetectionFinished("anomaly", 20*time.Millisecond)
	m.DetectionFinished("none", 5*time.Millisecond)
	m.DetectionFinished("none", 5*time.Millisecond)
	m.Coalesced()
	m.InflightAdd(1)
	m.EventsIngested(7, 2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.detections.WithLabelValues("anomaly")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.detections.WithLabelValues("none")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.coalesced))
	require.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	require.Equal(t, 7.0, testutil.ToFloat64(m.ingested.WithLabelValues("accepted")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ingested.WithLabelValues("rejected")))
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.Coalesced()
	second.Coalesced()
	require.Equal(t, 2.0, testutil.ToFloat64(first.coalesced))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.DetectionFinished("none", time.Millisecond)
	m.Coalesced()
	m.InflightAdd(1)
	m.EventsIngested(1, 1)
}
