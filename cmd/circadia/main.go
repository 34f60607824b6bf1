// circadia is the fleet duty daemon: it runs the phase scheduler, applies
// duty decisions to the configured agents, and persists state so restarts
// resume mid-cycle.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"circadia/internal/config"
	"circadia/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string

	snapshotEvery time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "circadia",
	Short: "circadia - multi-scale duty scheduling for agent fleets",
	Long: `circadia governs a fleet of compute agents across four time scales:
a microsecond reflex gate, a per-step attention workspace, a duty-cycle
phase scheduler, and a fleet-wide sleep/wake manager.

The daemon advances a repeating cycle through Active, Dawn, Dusk, and Rest
phases and maps each registered agent's criticality policy to a binary
active/asleep decision every tick.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the duty scheduler daemon",
	Long: `Loads the workspace configuration, restores the latest persisted
cycle state, registers the configured agents, and ticks the fleet until
interrupted. State is snapshotted periodically and on shutdown.`,
	RunE: runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted scheduler state and recent events",
	RunE:  runStatus,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture or refresh the persisted cycle baseline",
	Long: `Writes a fresh snapshot row to the store. With existing state this
re-saves the latest snapshot under a new timestamp; on a new workspace it
seeds the store with the configured initial phase, so a later run starts
from a known baseline.`,
	RunE: runSnapshot,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the workspace configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorkspace(workspace)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration OK: %s v%s, %d agents, %.0fms cycle\n",
			cfg.Name, cfg.Version, len(cfg.Agents), cfg.Cycle.PeriodMs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")

	runCmd.Flags().DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "How often to persist cycle state")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
