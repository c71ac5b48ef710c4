package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/builder"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/graph"
	"github.com/netseer/netseer/internal/identity"
	"github.com/netseer/netseer/internal/observability"
	"github.com/netseer/netseer/internal/spof"
	"github.com/netseer/netseer/internal/sweep"
	"github.com/netseer/netseer/internal/traversal"
)

// ComponentFactory creates the full set of engine components. The abstraction
// keeps command wiring testable: tests inject a factory that returns a memory
// backend.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// engine components for the configured backend.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{Metrics: observability.NewMetrics()}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	var store schemas.GraphStore
	var registrar identity.Registrar

	switch cfg.Database.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			initializationErr = fmt.Errorf("database URL is not configured (hint: check NETSEER_DATABASE_URL)")
			return nil, initializationErr
		}

		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initializationErr
		}
		// Added immediately so the deferred Shutdown can close it.
		components.DBPool = pool

		pgStore, err := graph.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize graph store: %w", err)
			return nil, initializationErr
		}
		store, registrar = pgStore, pgStore
		logger.Debug("Postgres graph store initialized.")

	case "memory":
		memStore := graph.NewMemoryStore(logger)
		store, registrar = memStore, memStore
		logger.Debug("In-memory graph store initialized.")

	default:
		initializationErr = fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
		return nil, initializationErr
	}

	components.Store = store
	components.Mapper = identity.NewStaticMapper(registrar)

	resolver := identity.NewWellKnownPortResolver()
	components.Builder = builder.New(store, components.Mapper, resolver, cfg.Builder, logger, components.Metrics)
	components.Traverser = traversal.New(store, cfg.Traversal, logger, components.Metrics)
	components.Detector = spof.New(store, cfg.SPOF, logger, components.Metrics)
	components.Sweeper = sweep.New(store, cfg.Sweep, logger, components.Metrics)

	logger.Info("All engine components initialized successfully.",
		zap.String("backend", cfg.Database.Backend))
	return components, nil
}
