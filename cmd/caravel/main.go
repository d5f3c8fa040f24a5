package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caravel-data/caravel/cmd/caravel/commands"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

var rootCmd = &cobra.Command{
	Use:   "caravel",
	Short: "Caravel - catalog export pipelines",
	Long: `Caravel - configuration-driven export pipelines for relational data catalogs.

Caravel runs a specification document against a remote catalog: query
processors materialize query results and file assets, transform processors
rework them, and the result is optionally packaged as a checksummed bag
archive before post processors publish it.

Available commands:
  download - Run an export specification against a catalog
  bag      - Inspect and validate bag archives
  version  - Show version information

Examples:
  caravel download https://example.org spec.json ./out genome=mm10
  caravel bag validate ./out/my_bag
  caravel version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLog, _ := cmd.Flags().GetBool("json-log")
		if err := logger.Initialize(jsonLog); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			logger.SetVerbose()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().Bool("json-log", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.DownloadCmd)
	rootCmd.AddCommand(commands.BagCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		// Misconfiguration exits differently from runtime failure so
		// wrapping scripts can tell a bad spec from a bad day.
		if errors.Is(err, errors.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
