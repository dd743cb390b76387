// Command warehouse is the market-data warehouse's entry point: it wires
// config, persistence, the scheduler and the HTTP API together, and
// exposes admin CLI subcommands for migrations and API-key management.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const appName = "warehouse"

// Provider endpoints are fixed per spec.md §6 ("base URL configurable" at
// the client-construction level, not via the exhaustive environment
// variable list) rather than environment-driven.
const (
	defaultPrimaryBaseURL  = "https://api.marketdata-primary.example.com"
	defaultFallbackBaseURL = "https://api.marketdata-fallback.example.com"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Market-data warehouse: ingestion, scheduling and query API",
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newAPIKeyCmd())
	rootCmd.AddCommand(newSeedCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
