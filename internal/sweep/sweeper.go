package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/observability"
)

// Sweeper closes dependency edges that have stopped carrying traffic. An edge
// whose last_seen is older than the configured threshold gets its validity
// interval terminated; the edge and its audit history remain queryable for
// point-in-time traversals.
type Sweeper struct {
	store   schemas.GraphStore
	cfg     config.SweepConfig
	log     *zap.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter
	now     func() time.Time
}

// New constructs a sweeper. Closures are paced by the configured rate so a
// large backlog never saturates the store.
func New(store schemas.GraphStore, cfg config.SweepConfig, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		log:     logger.Named("sweep"),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.ClosuresPerSecond), 1),
		now:     time.Now,
	}
}

// RunOnce performs a single sweep pass and returns the number of edges closed.
// An edge that was closed or refreshed between listing and closing is skipped,
// not an error; the builder may legitimately win that race.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	stale, err := s.store.ListStaleEdges(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale edges: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	reason := fmt.Sprintf("no traffic observed since %s", cutoff.UTC().Format(time.RFC3339))
	closed := 0
	for _, edge := range stale {
		if err := s.limiter.Wait(ctx); err != nil {
			return closed, err
		}
		if err := s.store.CloseEdge(ctx, edge.ID, s.now(), reason); err != nil {
			if errors.Is(err, schemas.ErrEdgeClosed) || errors.Is(err, schemas.ErrEdgeNotFound) {
				continue
			}
			return closed, fmt.Errorf("failed to close stale edge %s: %w", edge.ID, err)
		}
		closed++
		s.metrics.EdgesClosed.Inc()
	}

	s.log.Info("Stale sweep complete",
		zap.Int("candidates", len(stale)),
		zap.Int("closed", closed),
		zap.Time("cutoff", cutoff))
	return closed, nil
}

// Run sweeps on the configured interval until the context is cancelled. Pass
// failures are logged and the loop continues; a transient store outage should
// not kill the background job.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("Stale sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error("Sweep pass failed", zap.Error(err))
			}
		}
	}
}
