package main

import (
	"fmt"
	"os"

	"livesync/internal/config"

	"github.com/spf13/cobra"
)

var forceInit bool

// configCmd groups config file commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the livesync config file",
}

// configInitCmd writes the default config
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default config file",
	Args:  cobra.MaximumNArgs(1),
	// The file may not exist yet, so skip the root config loading.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              initConfig,
}

func initConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
