// Package commands implements the downstairs CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	configcmd "github.com/marmos91/downstairs/cmd/downstairs/commands/config"
	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "downstairs",
	Short: "Downstairs - replicated block storage, disk side",
	Long: `Downstairs stores the blocks of one replica of a replicated volume.

It persists fixed-size blocks in a region directory, serves reads, writes
and flushes to upstairs clients over TCP, and repairs extents from peer
replicas while the volume stays online.

Use "downstairs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/downstairs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(repairAPICmd)
	rootCmd.AddCommand(configcmd.Cmd)
}

// loadConfig loads the configuration (defaults when no file exists) and
// initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// configSource describes where the configuration came from.
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
