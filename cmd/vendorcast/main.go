// Package main provides the entry point for the vendorcast CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vendorcast",
		Short: "Per-vendor sales forecasting with drift monitoring",
		Long: `vendorcast forecasts daily sales per vendor with prediction intervals,
tests each vendor's recent sales for distribution drift, and validates every
forecast before it is registered.

Commands:
  run              Ingest, forecast, validate, and publish
  validate-config  Check a configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vendorcast %s (commit: %s)\n", version, commit)
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration without running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid\n", configPath)
			return nil
		},
	}
}
