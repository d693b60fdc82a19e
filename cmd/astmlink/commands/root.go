// Package commands implements the CLI commands for astmlink.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "astmlink",
	Short: "astmlink - ASTM analyzer interface service",
	Long: `astmlink is a bidirectional interface service between laboratory
analyzers speaking ASTM E1381/E1394 over TCP and a laboratory information
system reached through a durable message broker.

Each configured instrument gets its own TCP listener; uploaded results and
queries are persisted and published, and downloaded orders are delivered to
the analyzer with collision-aware retry.

Use "astmlink [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Println(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/astmlink/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
