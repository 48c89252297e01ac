//go:build linux

package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/patricbrc/p3x-shepherd/pkg/shepherdconfig"
	"github.com/patricbrc/p3x-shepherd/pkg/supervisor"
	"github.com/patricbrc/p3x-shepherd/pkg/upstream"
)

func main() {
	var (
		appServiceURL string
		taskID        string
		stdoutFile    string
		stderrFile    string
		interval      int
	)

	root := &cobra.Command{
		Use:   "p3x-shepherd [flags] command [args...]",
		Short: "Process supervision and telemetry shepherd",
		Long: `p3x-shepherd launches a command as a child process, streams its standard
output and error to a remote application service, periodically samples
resource utilization of the child and its descendants, and reports a final
execution summary: exit status, aggregate CPU time, and a per-process
lifecycle record for every PID it observed.

* Part of the PATRIC application execution platform.`,
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := shepherdconfig.Config{
				AppServiceURL:       appServiceURL,
				TaskID:              taskID,
				StdoutFile:          stdoutFile,
				StderrFile:          stderrFile,
				MeasurementInterval: time.Duration(interval) * time.Second,
				Command:             args[0],
				Args:                args[1:],
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			writer := upstream.New(cfg.AppServiceURL, cfg.TaskID)
			code := supervisor.New(cfg, writer).Run()
			os.Exit(code)
			return nil
		},
	}

	root.Flags().StringVar(&appServiceURL, "app-service", "", "base URL of the upstream application service")
	root.Flags().StringVar(&taskID, "task-id", "", "task identifier used to address upstream blocks")
	root.Flags().StringVar(&stdoutFile, "stdout-file", "", "(accepted for interface parity; not written - see DESIGN.md)")
	root.Flags().StringVar(&stderrFile, "stderr-file", "", "(accepted for interface parity; not written - see DESIGN.md)")
	root.Flags().IntVar(&interval, "measurement-interval", 10, "resource-sampling period in seconds")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
