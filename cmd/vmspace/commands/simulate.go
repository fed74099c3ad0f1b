package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/vmspace/internal/workload"
	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
)

// ErrExpectationsFailed is returned when a replay does not meet its workload's
// expectations.
var ErrExpectationsFailed = errors.New("workload expectations failed")

type simulateOptions struct {
	metricsAddr string
	layout      bool
}

// NewSimulateCommand creates the simulate subcommand.
func NewSimulateCommand(flags *GlobalFlags) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate <workload.yaml>",
		Short: "Replay a workload file and print the resulting layout",
		Long: `Replay the operations of a workload file against a registry of per-process
address spaces, check every expectation and print the final layout.

With --metrics-addr the allocator metrics stay available on /metrics until
the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, flags, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
	cmd.Flags().BoolVar(&opts.layout, "layout", true, "print the ranges and gaps of every space")

	return cmd
}

func runSimulate(cmd *cobra.Command, flags *GlobalFlags, opts *simulateOptions, path string) error {
	ctx := cmd.Context()

	wl, err := workload.Load(path)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, flags, observability.ModeSimulate, true)
	if err != nil {
		return err
	}

	defer sess.close(ctx)

	wl.Window.Apply(&sess.cfg.Window)

	registry, err := sess.cfg.NewRegistry(sess.logger())
	if err != nil {
		return fmt.Errorf("workload %s: %w", wl.Name, err)
	}

	runner := workload.NewRunner(registry, workload.Options{
		Logger:  sess.logger(),
		Tracer:  sess.providers.Tracer,
		Metrics: sess.metrics,
	})

	report, err := runner.Run(ctx, wl)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	renderResults(out, report)

	if opts.layout {
		renderLayout(out, report)
	}

	renderSummary(out, report)

	addr := opts.metricsAddr
	if addr == "" {
		addr = sess.cfg.Telemetry.MetricsAddr
	}

	if addr != "" {
		err = sess.serveMetrics(ctx, addr)
		if err != nil {
			return err
		}
	}

	if !report.Passed() {
		return fmt.Errorf("%w: %s", ErrExpectationsFailed, wl.Name)
	}

	return nil
}
