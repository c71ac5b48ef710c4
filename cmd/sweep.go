package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netseer/netseer/internal/service"
)

func newSweepCmd() *cobra.Command {
	var watch bool

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close dependency edges that have stopped carrying traffic",
		Long: `Closes the validity interval of active edges whose last observed traffic
is older than the configured staleness threshold. Closed edges stay queryable
for point-in-time traversals. With --watch, keeps sweeping on the configured
interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *service.Components) error {
				if watch {
					// Interrupt is the normal way to stop a watch.
					if err := c.Sweeper.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				}

				closed, err := c.Sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Closed %d stale edge(s)\n", closed)
				return nil
			})
		},
	}

	sweepCmd.Flags().BoolVar(&watch, "watch", false, "Sweep continuously on the configured interval.")
	return sweepCmd
}

func init() {
	rootCmd.AddCommand(newSweepCmd())
}
