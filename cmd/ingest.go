package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/observability"
)

// maxAggregateLine bounds a single NDJSON record; aggregates are small, so a
// line this long is garbage input.
const maxAggregateLine = 1 << 20

func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest flow aggregates from an NDJSON file (or stdin) into the graph",
		Long: `Reads newline-delimited JSON flow aggregates and applies them to the
dependency graph in bounded-concurrency batches. Pass "-" or no argument to
read from stdin. Malformed or unmappable records are skipped and counted, not
fatal.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("builder.batch_workers", cmd.Flags().Lookup("workers"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive")
			}

			in, closeIn, err := openInput(args)
			if err != nil {
				return err
			}
			defer closeIn()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			total := schemas.BatchResult{}
			lines := 0
			malformed := 0
			batch := make([]schemas.FlowAggregate, 0, batchSize)

			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				res, err := components.Builder.BuildBatch(ctx, batch)
				total.Created += res.Created
				total.Updated += res.Updated
				total.Skipped += res.Skipped
				batch = batch[:0]
				return err
			}

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 64*1024), maxAggregateLine)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				lines++

				var agg schemas.FlowAggregate
				if err := json.Unmarshal(line, &agg); err != nil {
					// Undecodable lines are counted here; decodable-but-invalid
					// aggregates are the builder's malformed skips.
					malformed++
					logger.Warn("Skipping undecodable input line",
						zap.Int("line", lines), zap.Error(err))
					continue
				}

				batch = append(batch, agg)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			if err := flush(); err != nil {
				return err
			}

			logger.Info("Ingest complete",
				zap.Int("lines", lines),
				zap.Int("created", total.Created),
				zap.Int("updated", total.Updated),
				zap.Int("skipped", total.Skipped),
				zap.Int("undecodable", malformed))
			fmt.Printf("Ingested %d records: %d created, %d updated, %d skipped, %d undecodable\n",
				lines, total.Created, total.Updated, total.Skipped, malformed)
			return nil
		},
	}

	ingestCmd.Flags().Int("batch-size", 1000, "Aggregates per store batch.")
	ingestCmd.Flags().IntP("workers", "j", 0, "Concurrent upsert workers per batch. (Overrides config/env)")
	return ingestCmd
}

// openInput resolves the ingest source: a file path, or stdin for "-"/no args.
func openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func init() {
	rootCmd.AddCommand(newIngestCmd())
}
