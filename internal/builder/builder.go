package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/graph"
	"github.com/netseer/netseer/internal/observability"
)

// createRetryLimit bounds how often a lost uniqueness race is retried before
// the aggregate is surfaced as a store error. Two attempts suffice: after the
// first loss the winning edge exists.
const createRetryLimit = 2

// Builder turns flow aggregates into dependency edge mutations. It is safe for
// concurrent use; consistency under concurrent writers is delegated to the
// store's single-active-edge invariant and server-side counter deltas.
type Builder struct {
	store     schemas.GraphStore
	mapper    schemas.AssetMapper
	protocols schemas.ProtocolResolver
	cfg       config.BuilderConfig
	log       *zap.Logger
	metrics   *observability.Metrics
	validate  *validator.Validate
	now       func() time.Time
}

// New constructs a builder. The protocol resolver may be nil, in which case
// created edges carry no dependency type label.
func New(
	store schemas.GraphStore,
	mapper schemas.AssetMapper,
	protocols schemas.ProtocolResolver,
	cfg config.BuilderConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Builder {
	return &Builder{
		store:     store,
		mapper:    mapper,
		protocols: protocols,
		cfg:       cfg,
		log:       logger.Named("builder"),
		metrics:   metrics,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Process applies one flow aggregate to the graph. The returned error is
// non-nil only for store failures; every per-item condition (mapping failure,
// self-loop, filter exclusion, malformed input) is reported as a skipped
// MutationResult instead.
func (b *Builder) Process(ctx context.Context, agg schemas.FlowAggregate) (schemas.MutationResult, error) {
	start := b.now()
	res, err := b.process(ctx, agg)
	if err != nil {
		return res, err
	}

	b.metrics.BuildDuration.Observe(b.now().Sub(start).Seconds())
	b.metrics.AggregatesProcessed.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == schemas.OutcomeSkipped {
		b.metrics.AggregateSkips.WithLabelValues(string(res.SkipReason)).Inc()
	}
	return res, nil
}

func (b *Builder) process(ctx context.Context, agg schemas.FlowAggregate) (schemas.MutationResult, error) {
	if err := b.validate.Struct(agg); err != nil {
		b.log.Warn("Dropping malformed flow aggregate",
			zap.String("src_ip", agg.SrcIP),
			zap.String("dst_ip", agg.DstIP),
			zap.Error(err))
		return skipped(schemas.SkipMalformed, err.Error()), nil
	}

	srcID, err := b.mapper.Resolve(ctx, agg.SrcIP)
	if err != nil {
		b.log.Warn("Failed to resolve source IP to an asset",
			zap.String("src_ip", agg.SrcIP), zap.Error(err))
		return skipped(schemas.SkipUnmappedSource, err.Error()), nil
	}
	dstID, err := b.mapper.Resolve(ctx, agg.DstIP)
	if err != nil {
		b.log.Warn("Failed to resolve destination IP to an asset",
			zap.String("dst_ip", agg.DstIP), zap.Error(err))
		return skipped(schemas.SkipUnmappedTarget, err.Error()), nil
	}

	// Self-loop policy: dropped, not an error.
	if srcID == dstID {
		return skipped(schemas.SkipSelfLoop, ""), nil
	}

	excluded, err := b.excludedByFilters(ctx, srcID, dstID)
	if err != nil {
		return schemas.MutationResult{}, err
	}
	if excluded {
		return skipped(schemas.SkipExternalExcluded, ""), nil
	}

	key := schemas.EdgeKey{
		SourceAssetID: srcID,
		TargetAssetID: dstID,
		TargetPort:    agg.DstPort,
		Protocol:      agg.Protocol,
	}
	return b.upsert(ctx, key, agg)
}

// excludedByFilters applies the configured external-traffic filters. Assets
// without a store record are treated as internal.
func (b *Builder) excludedByFilters(ctx context.Context, srcID, dstID string) (bool, error) {
	if !b.cfg.ExcludeExternalIPs && !b.cfg.ExcludeExternalSources && !b.cfg.ExcludeExternalTargets {
		return false, nil
	}

	assets, err := b.store.GetAssetsByIDs(ctx, []string{srcID, dstID})
	if err != nil {
		return false, fmt.Errorf("failed to load assets for filtering: %w", err)
	}

	srcExternal := isExternal(assets, srcID)
	dstExternal := isExternal(assets, dstID)

	if b.cfg.ExcludeExternalIPs && (srcExternal || dstExternal) {
		return true, nil
	}
	if b.cfg.ExcludeExternalSources && srcExternal {
		return true, nil
	}
	if b.cfg.ExcludeExternalTargets && dstExternal {
		return true, nil
	}
	return false, nil
}

func isExternal(assets map[string]schemas.Asset, id string) bool {
	a, ok := assets[id]
	return ok && !a.IsInternal
}

// upsert applies the aggregate to the active edge for the key, creating the
// edge if none exists. A create that loses the uniqueness race to a concurrent
// builder is retried as an update.
func (b *Builder) upsert(ctx context.Context, key schemas.EdgeKey, agg schemas.FlowAggregate) (schemas.MutationResult, error) {
	for attempt := 0; attempt < createRetryLimit; attempt++ {
		existing, err := b.store.FindActiveEdge(ctx, key)
		switch {
		case err == nil:
			updated, err := b.store.ApplyTraffic(ctx, existing.ID, agg.Delta())
			if err != nil {
				// The edge may have been closed between lookup and update
				// (stale sweep); fall through to the create path.
				if errors.Is(err, schemas.ErrEdgeClosed) || errors.Is(err, schemas.ErrEdgeNotFound) {
					continue
				}
				return schemas.MutationResult{}, fmt.Errorf("failed to update edge %s: %w", key, err)
			}
			return schemas.MutationResult{Outcome: schemas.OutcomeUpdated, DependencyID: updated.ID}, nil

		case errors.Is(err, schemas.ErrEdgeNotFound):
			dep, hist, err := b.newEdge(key, agg)
			if err != nil {
				return schemas.MutationResult{}, err
			}
			if err := b.store.CreateEdge(ctx, dep, hist); err != nil {
				if errors.Is(err, schemas.ErrEdgeExists) {
					// Lost the race: another worker created the edge first.
					// Retry the aggregate as an update of that edge.
					b.metrics.CreateRetries.Inc()
					b.log.Debug("Edge creation raced; retrying as update", zap.String("key", key.String()))
					continue
				}
				return schemas.MutationResult{}, fmt.Errorf("failed to create edge %s: %w", key, err)
			}
			b.log.Info("Dependency discovered",
				zap.String("edge_id", dep.ID),
				zap.String("key", key.String()),
				zap.String("dependency_type", dep.DependencyType))
			return schemas.MutationResult{Outcome: schemas.OutcomeCreated, DependencyID: dep.ID}, nil

		default:
			return schemas.MutationResult{}, fmt.Errorf("failed to look up edge %s: %w", key, err)
		}
	}
	return schemas.MutationResult{}, fmt.Errorf("edge %s: upsert did not converge after %d attempts", key, createRetryLimit)
}

// newEdge builds a fresh active edge from the first observation of a key. The
// rolling windows start at the aggregate's bytes: a new edge has no history
// beyond this observation.
func (b *Builder) newEdge(key schemas.EdgeKey, agg schemas.FlowAggregate) (schemas.Dependency, schemas.DependencyHistory, error) {
	dep := schemas.Dependency{
		ID:            graph.NewEdgeID(),
		SourceAssetID: key.SourceAssetID,
		TargetAssetID: key.TargetAssetID,
		TargetPort:    key.TargetPort,
		Protocol:      key.Protocol,
		BytesTotal:    agg.Bytes,
		PacketsTotal:  agg.Packets,
		FlowsTotal:    agg.Flows,
		BytesLast24h:  agg.Bytes,
		BytesLast7d:   agg.Bytes,
		FirstSeen:     agg.WindowStart.UTC(),
		LastSeen:      agg.WindowEnd.UTC(),
		ValidFrom:     agg.WindowStart.UTC(),
	}
	if b.protocols != nil {
		if label, ok := b.protocols.Resolve(key.TargetPort, key.Protocol); ok {
			dep.DependencyType = label.Name
		}
	}

	hist, err := graph.NewHistoryRecord(dep.ID, schemas.ChangeCreated, nil, &dep, "dependency discovered from flow traffic", b.now())
	if err != nil {
		return schemas.Dependency{}, schemas.DependencyHistory{}, err
	}
	return dep, hist, nil
}

// BuildBatch processes aggregates concurrently with a bounded worker pool.
// Per-item conditions are reported in the results and never abort the batch;
// a store failure cancels the remaining work and is returned with the partial
// result so the caller can decide whether to retry the whole batch.
func (b *Builder) BuildBatch(ctx context.Context, aggs []schemas.FlowAggregate) (schemas.BatchResult, error) {
	results := make([]schemas.MutationResult, len(aggs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.BatchWorkers)

	for i, agg := range aggs {
		g.Go(func() error {
			res, err := b.Process(gctx, agg)
			if err != nil {
				return fmt.Errorf("aggregate %d/%d: %w", i+1, len(aggs), err)
			}
			results[i] = res
			return nil
		})
	}

	err := g.Wait()
	batch := summarize(results)
	if err != nil {
		return batch, fmt.Errorf("batch aborted after %d committed mutations: %w", batch.Created+batch.Updated, err)
	}
	return batch, nil
}

func summarize(results []schemas.MutationResult) schemas.BatchResult {
	batch := schemas.BatchResult{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case schemas.OutcomeCreated:
			batch.Created++
		case schemas.OutcomeUpdated:
			batch.Updated++
		case schemas.OutcomeSkipped:
			batch.Skipped++
		}
	}
	return batch
}

func skipped(reason schemas.SkipReason, detail string) schemas.MutationResult {
	return schemas.MutationResult{
		Outcome:    schemas.OutcomeSkipped,
		SkipReason: reason,
		Detail:     detail,
	}
}
