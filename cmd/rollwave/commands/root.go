package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rollwave/rollwave/pkg/proc"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rollwave",
		Short: "Rollwave - rolling upgrades for the control plane",
		Long: `Rollwave orchestrates rolling upgrades of control-plane services.

It knows three kinds of service:
  - stateless services, rolled with bounded concurrency
  - the replicated metadata database, rolled async -> sync -> primary
    with writes frozen around the promotion-critical members
  - the coordination ensemble, rolled followers first, leader last

Topology is always re-derived from the running system. Every step diffs
observed state against intent, so a failed run can be retried from the
top.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// ExitCode maps a classified error to the process exit code: usage errors
// exit 2, everything else 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if proc.IsUsage(err) {
		return 2
	}
	return 1
}
