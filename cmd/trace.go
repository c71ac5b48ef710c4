package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netseer/netseer/internal/observability"
	"github.com/netseer/netseer/internal/service"
)

func newTraceCmd() *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Walk the dependency graph from an asset",
	}

	var depth int
	var asOfFlag string

	upstreamCmd := &cobra.Command{
		Use:   "upstream <asset-id>",
		Short: "List the assets that depend on an asset, directly or transitively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *service.Components) error {
				asOf, err := parseAsOf(asOfFlag)
				if err != nil {
					return err
				}
				res, err := c.Traverser.Upstream(cmd.Context(), args[0], depth, asOf)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	downstreamCmd := &cobra.Command{
		Use:   "downstream <asset-id>",
		Short: "List the assets an asset depends on, directly or transitively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *service.Components) error {
				asOf, err := parseAsOf(asOfFlag)
				if err != nil {
					return err
				}
				res, err := c.Traverser.Downstream(cmd.Context(), args[0], depth, asOf)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path <source-asset-id> <target-asset-id>",
		Short: "Find a shortest route between two assets, ignoring edge direction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *service.Components) error {
				res, err := c.Traverser.FindPath(cmd.Context(), args[0], args[1], depth)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Export a bounded snapshot of the active graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("edges")
			return withComponents(cmd, func(c *service.Components) error {
				snap, err := c.Traverser.FullGraph(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	graphCmd.Flags().Int("edges", 0, "Maximum edges to export. 0 uses the configured cap.")

	historyCmd := &cobra.Command{
		Use:   "history <dependency-id>",
		Short: "Show the audit history of a dependency edge, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withComponents(cmd, func(c *service.Components) error {
				records, err := c.Store.ListHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(records)
			})
		},
	}
	historyCmd.Flags().Int("limit", 50, "Maximum records to return. 0 means all.")

	for _, sub := range []*cobra.Command{upstreamCmd, downstreamCmd, pathCmd} {
		sub.Flags().IntVarP(&depth, "depth", "d", 0, "Maximum hop depth. 0 uses the configured default.")
	}
	for _, sub := range []*cobra.Command{upstreamCmd, downstreamCmd} {
		sub.Flags().StringVar(&asOfFlag, "as-of", "", "Walk the graph as it was at this RFC 3339 instant.")
	}

	traceCmd.AddCommand(upstreamCmd, downstreamCmd, pathCmd, graphCmd, historyCmd)
	return traceCmd
}

// withComponents wires the engine for one command invocation and guarantees
// shutdown.
func withComponents(cmd *cobra.Command, fn func(*service.Components) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	components, err := factory.Create(cmd.Context(), cfg, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	return fn(components)
}

func parseAsOf(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --as-of value %q: %w", value, err)
	}
	return &t, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(newTraceCmd())
}
