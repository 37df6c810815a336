// Package scheduler dispatches anomaly detection after ingestion commits. It guarantees at
// most one in-flight run per (service, org) partition; a request for a partition that is
// already running is dropped, since the running detection reads the same trailing window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/service/anomaly"
	"github.com/splax/logpilot/internal/telemetry"
	"github.com/splax/logpilot/pkg/config"
)

// Detector runs one detection for a partition.
type Detector interface {
	Run(ctx context.Context, service, org string) (anomaly.Outcome, *domain.AnomalyRecord)
}

// Scheduler fans detection out across partitions.
type Scheduler struct {
	detector Detector
	sem      *semaphore.Weighted
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[domain.Partition]struct{}
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Scheduler. MaxConcurrency bounds detection runs across all partitions and
// RunTimeout bounds each run; zero disables either limit.
func New(detector Detector, cfg config.DetectionConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		detector: detector,
		timeout:  cfg.RunTimeout,
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[domain.Partition]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConcurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return s
}

// Notify requests detection for the partition without blocking. It reports whether a run
// was started; false means the partition was already in flight or the scheduler is closed.
func (s *Scheduler) Notify(service, org string) bool {
	key := domain.Partition{Service: service, Org: org}
	if key.Service == "" {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		s.metrics.Coalesced()
		s.logger.Debug("detection coalesced", "service", service, "org", org)
		return false
	}
	s.inflight[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.InflightAdd(1)
	go s.run(key)
	return true
}

// NotifyPartitions calls Notify once per partition.
func (s *Scheduler) NotifyPartitions(partitions []domain.Partition) {
	for _, p := range partitions {
		s.Notify(p.Service, p.Org)
	}
}

// InFlight reports whether a run for the partition is in progress.
func (s *Scheduler) InFlight(service, org string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[domain.Partition{Service: service, Org: org}]
	return ok
}

func (s *Scheduler) run(key domain.Partition) {
	logger := s.logger.With("service", key.Service, "org", key.Org)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.metrics.InflightAdd(-1)
		s.wg.Done()
	}()

	if s.sem != nil {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			logger.Debug("detection abandoned", "error", err)
			return
		}
		defer s.sem.Release(1)
	}

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	outcome := anomaly.OutcomeFailed
	defer func() {
		if r := recover(); r != nil {
			logger.Error("detection panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		s.metrics.DetectionFinished(outcome.String(), time.Since(start))
	}()
	outcome, _ = s.detector.Run(ctx, key.Service, key.Org)
}

// Close stops accepting requests and waits for running detections. When ctx expires first
// the remaining runs are cancelled and Close still waits for them to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
