// Package cmd provides the clusterman CLI commands.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun      bool
	verbose     bool
	cfgFile     string
	clusterName string
	poolName    string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "clusterman",
	Short: "clusterman - autoscales a pool's cloud fleet to match its workload",
	Long: `clusterman reads a pluggable signal's resource request, turns it into
a target capacity under a setpoint/margin policy, and applies that target
across a pool's resource groups (auto scaling groups and spot fleets),
respecting each group's min/max bounds and per-tick churn caps.

Use --dry-run to compute target capacity without changing any cloud state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&clusterName, "cluster", "", "Cluster name (required)")
	rootCmd.PersistentFlags().StringVar(&poolName, "pool", "", "Pool name within the cluster (required)")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false,
		"Compute target capacity and log the decision without modifying any resource group")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to the cluster's configuration file (required)")

	_ = rootCmd.MarkPersistentFlagRequired("cluster")
	_ = rootCmd.MarkPersistentFlagRequired("pool")
	_ = rootCmd.MarkPersistentFlagRequired("config")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if dryRun {
		slog.Info(
			"dry-run mode enabled",
			"action", "target capacity is computed and logged but never applied to a resource group",
		)
	}

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}
