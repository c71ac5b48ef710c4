package cmd

import (
	"github.com/spf13/cobra"

	"github.com/netseer/netseer/internal/service"
)

func newAnalyzeCmd() *cobra.Command {
	var assetID string

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run single-point-of-failure analysis over the active graph",
		Long: `Runs the sole-dependency, critical-hub, and bridge detectors over the
currently-active dependency graph and prints the merged, severity-ranked
report. With --asset, checks a single asset instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *service.Components) error {
				if assetID != "" {
					check, err := c.Detector.CheckAsset(cmd.Context(), assetID)
					if err != nil {
						return err
					}
					return printJSON(check)
				}

				analysis, err := c.Detector.Analyze(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(analysis)
			})
		},
	}

	analyzeCmd.Flags().StringVar(&assetID, "asset", "", "Check one asset instead of the full graph.")
	return analyzeCmd
}

func init() {
	rootCmd.AddCommand(newAnalyzeCmd())
}
