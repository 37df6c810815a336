package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/splax/logpilot/internal/domain"
	httpx "github.com/splax/logpilot/internal/http"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run detection on committed events and expose /healthz and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "ops listen address (defaults to METRICS_ADDR)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a, err := newApp(ctx, "logpilot", reg)
	if err != nil {
		return err
	}
	log := a.log

	checks := map[string]httpx.Check{}
	if a.pool != nil {
		checks["database"] = a.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	listenAddr := strings.TrimSpace(addr)
	if listenAddr == "" {
		listenAddr = a.cfg.MetricsAddr
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           httpx.NewRouter(log, reg, checks),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.pg != nil {
		go a.listen(ctx)
	} else {
		log.Warn("commit notifications unavailable; detection only runs for events ingested by this process")
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("ops server starting", "addr", listenAddr)
		errorCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	a.Close(shutdownCtx)
	log.Info("logpilot stopped")
	return serveErr
}

// listen feeds commit notifications into the scheduler, reconnecting with backoff.
func (a *app) listen(ctx context.Context) {
	backoff := time.Second
	for {
		start := time.Now()
		err := a.pg.Listen(ctx, a.cfg.EventChannel, a.log, func(p domain.Partition) {
			a.scheduler.Notify(p.Service, p.Org)
		})
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		a.log.Warn("event listener stopped; reconnecting", "channel", a.cfg.EventChannel, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}
