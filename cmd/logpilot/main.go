package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "logpilot",
		Short:         "Error-rate anomaly detection and time-bucketed log metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildVersion,
	}
	cmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newDetectCmd(),
		newReportCmd(),
		newAnomaliesCmd(),
	)
	return cmd
}
