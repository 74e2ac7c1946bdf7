package main

import (
	"fmt"
	"os"

	"livesync/internal/config"
	"livesync/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "livesync - client-side replica of server collections",
	Long: `livesync keeps a local, durable mirror of named collections in sync with a
replication server over a websocket.

Records are merged last-writer-wins by version; removals leave tombstones so
late updates cannot resurrect them. The mirror is persisted to SQLite and
reloaded on start, and the stored checkpoints are sent to the server so it
only replays what changed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// loadConfig reads the config file, validates it and initializes logging.
func loadConfig() (*config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		loaded.Logging.Level = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	if err := logging.Initialize(loaded.Logging.Options()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.Boot("config loaded from %s", configPath)
	return loaded, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "livesync.yaml", "Config file")

	runCmd.Flags().StringSliceVar(&runCollections, "collection", nil, "Collection to prefetch and follow (repeatable)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Apply log level changes from the config file live")

	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
