// Command fleet runs a local fleet of shard worker processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shardfleet/internal/config"
	"shardfleet/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded by the root PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Run a local fleet of shard worker processes",
	Long: `fleet splits a sharded workload across worker processes ("clusters"),
keeps them running, and serves their control requests: remote eval across
the fleet, coordinated restarts and kills.

Every worker talks to the coordinator over its stdin/stdout pipe pair.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.LoggingConfig(verbose)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.BootDebug("config loaded from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleet.yaml", "Config file (missing file = defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
