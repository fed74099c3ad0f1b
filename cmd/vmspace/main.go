// Package main provides the entry point for the vmspace CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/vmspace/cmd/vmspace/commands"
	"github.com/Sumatoshi-tech/vmspace/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCommand().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &commands.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "vmspace",
		Short: "Virtual address space allocator simulator",
		Long: `vmspace hands out non-overlapping virtual address ranges per process
and replays allocation workloads against it.

Commands:
  simulate  Replay a workload file and print the resulting layout
  check     Compare the tree and the allocator with reference models`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file (default ./vmspace.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.LogJSON, "log-json", false, "log as JSON")
	rootCmd.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(commands.NewSimulateCommand(flags))
	rootCmd.AddCommand(commands.NewCheckCommand(flags))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
