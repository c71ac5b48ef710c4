package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/builder"
	"github.com/netseer/netseer/internal/observability"
	"github.com/netseer/netseer/internal/spof"
	"github.com/netseer/netseer/internal/sweep"
	"github.com/netseer/netseer/internal/traversal"
)

// Components holds the initialized engine services. This struct centralizes
// the lifecycle management of the store backend and everything built on it.
type Components struct {
	Store     schemas.GraphStore
	Mapper    schemas.AssetMapper
	Builder   *builder.Builder
	Traverser *traversal.Traverser
	Detector  *spof.Detector
	Sweeper   *sweep.Sweeper
	Metrics   *observability.Metrics

	// DBPool is non-nil only for the postgres backend.
	DBPool *pgxpool.Pool

	// Background sweeper lifecycle, managed by StartSweeper.
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Shutdown gracefully stops background work and releases resources, in
// dependency order: producers first, then the store connection.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.sweepCancel != nil {
		c.sweepCancel()
		select {
		case <-c.sweepDone:
			logger.Debug("Background sweeper stopped.")
		case <-time.After(10 * time.Second):
			logger.Warn("Timed out waiting for background sweeper to stop.")
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}

// StartSweeper launches the stale-edge sweeper in the background. Call at most
// once; Shutdown stops it.
func (c *Components) StartSweeper(ctx context.Context, logger *zap.Logger) {
	sweepCtx, cancel := context.WithCancel(ctx)
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		if err := c.Sweeper.Run(sweepCtx); err != nil && sweepCtx.Err() == nil {
			logger.Error("Background sweeper exited unexpectedly.", zap.Error(err))
		}
	}()
}
