// Package main is the entry point for the agentctl binary. agentctl runs the
// agent coordination layer: it supervises the ACP adapter, serves the control
// API and streams observer events.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unforced/thinking-space/internal/common/config"
	"github.com/unforced/thinking-space/internal/common/logger"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configDir string

var rootCmd = &cobra.Command{
	Use:           "agentctl",
	Short:         "Supervise an ACP agent adapter and relay its events",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentctl version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing config.yaml")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}
