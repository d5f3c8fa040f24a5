package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/logger"
)

// BagCmd groups bag inspection subcommands
var BagCmd = &cobra.Command{
	Use:   "bag",
	Short: "Inspect and validate bag archives",
	Long: `Inspect and validate bag directories produced by caravel download.

Commands:
  caravel bag validate <path>         # Recompute and verify every payload checksum
  caravel bag validate <path> --weak  # Only verify completeness and payload byte counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// BagValidateCmd validates a bag directory on disk
var BagValidateCmd = &cobra.Command{
	Use:   "validate <bag-path>",
	Short: "Validate a bag directory",
	Long: `Validate a bag directory: payload completeness, checksums, and the
recorded payload byte/file counts. Files listed in fetch.txt are remote-only
and are exempt from local checks.

With --weak, checksum recomputation is skipped; only completeness and the
byte/file counts are verified. Weak validation is much faster for large bags
but will not catch same-size corruption.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		weak, _ := cmd.Flags().GetBool("weak")
		if err := bag.Validate(args[0], weak, logger.Logger); err != nil {
			return err
		}
		pterm.Success.Printfln("bag %s is valid", args[0])
		return nil
	},
}

func init() {
	BagValidateCmd.Flags().Bool("weak", false, "Skip checksum recomputation")
	BagCmd.AddCommand(BagValidateCmd)
}
