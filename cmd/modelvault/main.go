// Package main provides the modelvault command line: nightly retraining,
// version inspection, rollback and the inspection API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vjranagit/modelvault/internal/config"
	"github.com/vjranagit/modelvault/internal/logging"
)

const version = "0.3.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "modelvault",
	Short:         "Versioned model artifact lifecycle manager",
	Long:          "modelvault retrains model families, keeps a bounded version history per family and promotes a candidate to production only when its score beats the best recorded score.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Init(cfg.ToLoggingConfig())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $"+config.ConfigPathEnvVar+" or ./modelvault.yaml)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
