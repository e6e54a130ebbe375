// Package cli holds the autotrade command tree.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"autotrade-core/pkg/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "autotrade",
	Short: "Multi-broker autonomous trading coordinator",
	Long: `Autotrade coordinates autonomous equity trading across several brokers.

It provides:
  - a broker engine with per-broker trading limits and PDT protection
  - an HTTP API and live websocket stream of broker state
  - a gRPC health service with one status per broker
  - a deposit ledger that funds the trading account

Settings are read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load settings from this file, overriding the environment")
}

// loadConfig applies --env-file before reading the environment.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Overload(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return config.Load()
}
