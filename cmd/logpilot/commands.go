package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/splax/logpilot/internal/domain"
	"github.com/splax/logpilot/internal/service/ingest"
)

func newIngestCmd() *cobra.Command {
	var (
		file      string
		batchSize int
		perSecond float64
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load NDJSON log events from a file or stdin (.gz and .zst accepted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "logpilot-ingest", prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if batchSize <= 0 {
				batchSize = a.cfg.Limits.MaxBatchSize
			}
			limit := rate.Inf
			if perSecond > 0 {
				limit = rate.Limit(perSecond)
			}
			limiter := rate.NewLimiter(limit, 1)

			src, err := ingest.OpenSource(file)
			if err != nil {
				return err
			}
			defer src.Close()

			total := domain.BatchResult{Errors: []domain.ItemError{}}
			offset := 0
			var decoder ingest.Decoder
			err = decoder.DecodeStream(src, batchSize, func(events []domain.LogEvent) error {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				result, err := a.ingest.Ingest(ctx, events)
				if err != nil {
					return err
				}
				total.Accepted += result.Accepted
				total.Rejected += result.Rejected
				for _, itemErr := range result.Errors {
					itemErr.Index += offset
					total.Errors = append(total.Errors, itemErr)
				}
				offset += len(events)
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), total)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "NDJSON input path, - for stdin")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "events per batch (defaults to BATCH_SIZE)")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "maximum batches per second, 0 for unlimited")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var service, org string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run anomaly detection for one service synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "logpilot-detect", prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			detected, err := a.anomalies.DetectNow(ctx, service, org)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"service": service, "org": org, "anomalyDetected": detected})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service to evaluate")
	cmd.Flags().StringVar(&org, "org", "", "organisation scope")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		kind, service, org string
		from, to           string
		hours, interval    int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print dashboard, service, realtime, timeseries or stats reports as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "logpilot-report", prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var out any
			switch kind {
			case "dashboard":
				out, err = a.metrics.Dashboard(ctx, org, hours)
			case "service":
				out, err = a.metrics.ServiceDetail(ctx, service, org, hours)
			case "realtime":
				out, err = a.metrics.RealTime(ctx, org)
			case "stats":
				out, err = a.metrics.LogStats(ctx, org, hours)
			case "timeseries":
				end, perr := parseTime(to, time.Now().UTC())
				if perr != nil {
					return perr
				}
				start, perr := parseTime(from, end.Add(-time.Hour))
				if perr != nil {
					return perr
				}
				out, err = a.metrics.TimeSeries(ctx, start, end, interval, service, org)
			default:
				return fmt.Errorf("unknown report kind %q", kind)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "dashboard", "report kind (dashboard|service|realtime|timeseries|stats)")
	cmd.Flags().StringVar(&service, "service", "", "service filter")
	cmd.Flags().StringVar(&org, "org", "", "organisation filter")
	cmd.Flags().IntVar(&hours, "hours", 24, "trailing hours for dashboard, service and stats reports")
	cmd.Flags().IntVar(&interval, "interval", 60, "bucket interval in seconds for timeseries")
	cmd.Flags().StringVar(&from, "from", "", "timeseries start (RFC 3339, default one hour before --to)")
	cmd.Flags().StringVar(&to, "to", "", "timeseries end (RFC 3339, default now)")
	return cmd
}

func newAnomaliesCmd() *cobra.Command {
	var (
		service, org  string
		limit, offset int
		stats         bool
		hours         int
	)
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List recorded anomalies or summarise them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "logpilot-anomalies", prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if stats {
				summary, err := a.anomalies.Stats(ctx, org, hours)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			}
			page, err := a.anomalies.List(ctx, domain.AnomalyFilter{Service: service, Org: org}, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"anomalies": page.Anomalies,
				"pagination": map[string]any{
					"limit":   page.Limit,
					"offset":  page.Offset,
					"hasMore": page.HasMore,
				},
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service filter")
	cmd.Flags().StringVar(&org, "org", "", "organisation filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&stats, "stats", false, "print a summary instead of a listing")
	cmd.Flags().IntVar(&hours, "hours", 24, "trailing hours for --stats")
	return cmd
}

func parseTime(value string, fallback time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return ts.UTC(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

