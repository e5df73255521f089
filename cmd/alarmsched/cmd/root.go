package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"alarmsched/internal/version"
)

var (
	// configPath to the JSON or YAML configuration file. Empty means defaults.
	configPath string

	rootCmd = &cobra.Command{
		Use:   "alarmsched",
		Short: "Run tasks on host alarms across durable and transient contexts.",
		Long: `alarmsched schedules named tasks on a coarse alarm host and keeps
sub-granularity precision with in-process timers.

A durable context owns the canonical scheduler, persists the active-alarm
ledger and accepts relay channels. Transient contexts schedule locally and
relay every request to the durable context.`,
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (.json, .yaml)")

	rootCmd.AddCommand(
		newRunCommand("durable", "Run the durable context: coordinator, ledger and recovery."),
		newRunCommand("transient", "Run a transient context relaying to the durable one."),
		newListCommand(),
		newVerifyCommand(),
		newClearAllCommand(),
	)
}
