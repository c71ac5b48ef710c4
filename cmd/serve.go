package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netseer/netseer/internal/observability"
	"github.com/netseer/netseer/internal/service"
)

func newServeCmd() *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived process",
		Long: `Keeps the graph store open, runs the stale-edge sweeper on its configured
interval, and exposes Prometheus metrics over HTTP. Stops on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			return withComponents(cmd, func(c *service.Components) error {
				c.StartSweeper(ctx, logger)

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(c.Metrics.Registry(), promhttp.HandlerOpts{}))
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					fmt.Fprintln(w, "ok")
				})

				srv := &http.Server{
					Addr:              listen,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					logger.Info("Metrics endpoint listening", zap.String("addr", listen))
					errCh <- srv.ListenAndServe()
				}()

				select {
				case <-ctx.Done():
					logger.Info("Shutdown signal received")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return fmt.Errorf("metrics server failed: %w", err)
				}
			})
		},
	}

	serveCmd.Flags().StringVar(&listen, "listen", ":9610", "Address for the metrics/health endpoint.")
	return serveCmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
