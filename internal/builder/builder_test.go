package builder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/graph"
	"github.com/netseer/netseer/internal/identity"
	"github.com/netseer/netseer/internal/observability"
)

var windowStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// tableMapper resolves from a fixed table; unknown IPs fail. Lets tests
// exercise the unmapped-endpoint skips directly.
type tableMapper struct {
	byIP map[string]string
}

func (m *tableMapper) Resolve(ctx context.Context, ip string) (string, error) {
	id, ok := m.byIP[ip]
	if !ok {
		return "", fmt.Errorf("no asset for %q", ip)
	}
	return id, nil
}

func aggregate(src, dst string, bytes uint64, at time.Time) schemas.FlowAggregate {
	return schemas.FlowAggregate{
		SrcIP:       src,
		DstIP:       dst,
		DstPort:     443,
		Protocol:    6,
		Bytes:       bytes,
		Packets:     bytes / 100,
		Flows:       1,
		WindowStart: at,
		WindowEnd:   at.Add(5 * time.Minute),
	}
}

func newTestBuilder(t *testing.T, store schemas.GraphStore, mapper schemas.AssetMapper, cfg config.BuilderConfig) *Builder {
	t.Helper()
	if cfg.BatchWorkers == 0 {
		cfg.BatchWorkers = 4
	}
	return New(store, mapper, identity.NewWellKnownPortResolver(), cfg, zap.NewNop(), observability.NewMetrics())
}

func seedAssets(t *testing.T, store *graph.MemoryStore, mapper *tableMapper, assets ...schemas.Asset) {
	t.Helper()
	for _, a := range assets {
		require.NoError(t, store.UpsertAsset(context.Background(), a))
		mapper.byIP[a.IPAddress] = a.ID
	}
}

func TestProcessCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())
	mapper := &tableMapper{byIP: map[string]string{}}
	seedAssets(t, store, mapper,
		schemas.Asset{ID: "asset-a", IPAddress: "10.0.0.1", IsInternal: true},
		schemas.Asset{ID: "asset-b", IPAddress: "10.0.0.2", IsInternal: true},
	)
	b := newTestBuilder(t, store, mapper, config.BuilderConfig{})

	// First observation creates the edge.
	res, err := b.Process(ctx, aggregate("10.0.0.1", "10.0.0.2", 1000, windowStart))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeCreated, res.Outcome)
	require.NotEmpty(t, res.DependencyID)

	created, err := store.FindActiveEdge(ctx, schemas.EdgeKey{
		SourceAssetID: "asset-a", TargetAssetID: "asset-b", TargetPort: 443, Protocol: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), created.BytesTotal)
	assert.Nil(t, created.ValidTo)
	assert.Equal(t, "https", created.DependencyType)

	// A second observation ten minutes later updates the same edge.
	res, err = b.Process(ctx, aggregate("10.0.0.1", "10.0.0.2", 500, windowStart.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeUpdated, res.Outcome)
	assert.Equal(t, created.ID, res.DependencyID, "no second edge is created")

	updated, err := store.FindActiveEdge(ctx, created.Key())
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), updated.BytesTotal)

	// Exactly one "created" history record exists.
	records, err := store.ListHistory(ctx, created.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schemas.ChangeCreated, records[0].ChangeType)
}

func TestProcessSkips(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())
	mapper := &tableMapper{byIP: map[string]string{}}
	seedAssets(t, store, mapper,
		schemas.Asset{ID: "asset-a", IPAddress: "10.0.0.1", IsInternal: true},
		schemas.Asset{ID: "asset-b", IPAddress: "10.0.0.2", IsInternal: true},
	)
	b := newTestBuilder(t, store, mapper, config.BuilderConfig{})

	t.Run("self-loop after mapping is dropped", func(t *testing.T) {
		// Two IPs can map to the same asset.
		mapper.byIP["10.0.0.99"] = "asset-a"
		res, err := b.Process(ctx, aggregate("10.0.0.1", "10.0.0.99", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeSkipped, res.Outcome)
		assert.Equal(t, schemas.SkipSelfLoop, res.SkipReason)
	})

	t.Run("unmapped source", func(t *testing.T) {
		res, err := b.Process(ctx, aggregate("10.9.9.9", "10.0.0.2", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipUnmappedSource, res.SkipReason)
	})

	t.Run("unmapped target", func(t *testing.T) {
		res, err := b.Process(ctx, aggregate("10.0.0.1", "10.9.9.9", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipUnmappedTarget, res.SkipReason)
	})

	t.Run("malformed aggregate", func(t *testing.T) {
		bad := aggregate("10.0.0.1", "10.0.0.2", 100, windowStart)
		bad.Flows = 0
		res, err := b.Process(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipMalformed, res.SkipReason)

		bad = aggregate("not-an-ip", "10.0.0.2", 100, windowStart)
		res, err = b.Process(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipMalformed, res.SkipReason)

		bad = aggregate("10.0.0.1", "10.0.0.2", 100, windowStart)
		bad.WindowEnd = bad.WindowStart.Add(-time.Minute)
		res, err = b.Process(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipMalformed, res.SkipReason)
	})

	// Nothing was written by any of the above.
	edges, err := store.ListActiveEdges(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestProcessExternalFilters(t *testing.T) {
	ctx := context.Background()

	newFixture := func(cfg config.BuilderConfig) (*Builder, *graph.MemoryStore) {
		store := graph.NewMemoryStore(zap.NewNop())
		mapper := &tableMapper{byIP: map[string]string{}}
		seedAssets(t, store, mapper,
			schemas.Asset{ID: "internal-a", IPAddress: "10.0.0.1", IsInternal: true},
			schemas.Asset{ID: "internal-b", IPAddress: "10.0.0.2", IsInternal: true},
			schemas.Asset{ID: "external-x", IPAddress: "203.0.113.7", IsInternal: false},
		)
		return newTestBuilder(t, store, mapper, cfg), store
	}

	t.Run("exclude_external_ips drops either direction", func(t *testing.T) {
		b, _ := newFixture(config.BuilderConfig{ExcludeExternalIPs: true})

		res, err := b.Process(ctx, aggregate("203.0.113.7", "10.0.0.2", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipExternalExcluded, res.SkipReason)

		res, err = b.Process(ctx, aggregate("10.0.0.1", "203.0.113.7", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipExternalExcluded, res.SkipReason)

		res, err = b.Process(ctx, aggregate("10.0.0.1", "10.0.0.2", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeCreated, res.Outcome)
	})

	t.Run("exclude_external_sources drops only external sources", func(t *testing.T) {
		b, _ := newFixture(config.BuilderConfig{ExcludeExternalSources: true})

		res, err := b.Process(ctx, aggregate("203.0.113.7", "10.0.0.2", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipExternalExcluded, res.SkipReason)

		res, err = b.Process(ctx, aggregate("10.0.0.1", "203.0.113.7", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeCreated, res.Outcome)
	})

	t.Run("exclude_external_targets drops only external targets", func(t *testing.T) {
		b, _ := newFixture(config.BuilderConfig{ExcludeExternalTargets: true})

		res, err := b.Process(ctx, aggregate("10.0.0.1", "203.0.113.7", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.SkipExternalExcluded, res.SkipReason)

		res, err = b.Process(ctx, aggregate("203.0.113.7", "10.0.0.2", 100, windowStart))
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeCreated, res.Outcome)
	})
}

// racingStore makes the first active-edge lookup miss even though the edge
// exists, reproducing the window where two builders race on the same key.
type racingStore struct {
	schemas.GraphStore
	missed bool
}

func (r *racingStore) FindActiveEdge(ctx context.Context, key schemas.EdgeKey) (schemas.Dependency, error) {
	if !r.missed {
		r.missed = true
		return schemas.Dependency{}, fmt.Errorf("edge %s: %w", key, schemas.ErrEdgeNotFound)
	}
	return r.GraphStore.FindActiveEdge(ctx, key)
}

func TestProcessCreateRaceRetriesAsUpdate(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore(zap.NewNop())
	mapper := &tableMapper{byIP: map[string]string{}}
	seedAssets(t, mem, mapper,
		schemas.Asset{ID: "asset-a", IPAddress: "10.0.0.1", IsInternal: true},
		schemas.Asset{ID: "asset-b", IPAddress: "10.0.0.2", IsInternal: true},
	)

	// The "winning" writer created the edge before our lookup.
	winner := newTestBuilder(t, mem, mapper, config.BuilderConfig{})
	res, err := winner.Process(ctx, aggregate("10.0.0.1", "10.0.0.2", 1000, windowStart))
	require.NoError(t, err)
	require.Equal(t, schemas.OutcomeCreated, res.Outcome)

	store := &racingStore{GraphStore: mem}
	loser := newTestBuilder(t, store, mapper, config.BuilderConfig{})

	res, err = loser.Process(ctx, aggregate("10.0.0.1", "10.0.0.2", 500, windowStart.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeUpdated, res.Outcome, "the lost create is retried as an update")

	edges, err := mem.ListActiveEdges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1, "exactly one active edge per key")
	assert.Equal(t, uint64(1500), edges[0].BytesTotal, "no increment is lost")
}

func TestBuildBatch(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())
	mapper := &tableMapper{byIP: map[string]string{}}
	seedAssets(t, store, mapper,
		schemas.Asset{ID: "asset-a", IPAddress: "10.0.0.1", IsInternal: true},
		schemas.Asset{ID: "asset-b", IPAddress: "10.0.0.2", IsInternal: true},
		schemas.Asset{ID: "asset-c", IPAddress: "10.0.0.3", IsInternal: true},
	)
	b := newTestBuilder(t, store, mapper, config.BuilderConfig{BatchWorkers: 2})

	aggs := []schemas.FlowAggregate{
		aggregate("10.0.0.1", "10.0.0.2", 1000, windowStart),
		aggregate("10.0.0.1", "10.0.0.3", 200, windowStart),
		aggregate("10.9.9.9", "10.0.0.2", 300, windowStart), // unmapped source
		aggregate("10.0.0.2", "10.0.0.2", 400, windowStart), // self-loop
	}

	batch, err := b.BuildBatch(ctx, aggs)
	require.NoError(t, err, "per-item conditions never abort the batch")
	assert.Equal(t, 2, batch.Created)
	assert.Equal(t, 0, batch.Updated)
	assert.Equal(t, 2, batch.Skipped)
	require.Len(t, batch.Results, 4)
	assert.Equal(t, schemas.SkipUnmappedSource, batch.Results[2].SkipReason)
	assert.Equal(t, schemas.SkipSelfLoop, batch.Results[3].SkipReason)

	// Same batch again: everything that created now updates.
	batch, err = b.BuildBatch(ctx, aggs)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Created)
	assert.Equal(t, 2, batch.Updated)
	assert.Equal(t, 2, batch.Skipped)
}

func TestBuildBatchConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())
	mapper := &tableMapper{byIP: map[string]string{}}
	seedAssets(t, store, mapper,
		schemas.Asset{ID: "asset-a", IPAddress: "10.0.0.1", IsInternal: true},
		schemas.Asset{ID: "asset-b", IPAddress: "10.0.0.2", IsInternal: true},
	)
	b := newTestBuilder(t, store, mapper, config.BuilderConfig{BatchWorkers: 8})

	aggs := make([]schemas.FlowAggregate, 50)
	for i := range aggs {
		aggs[i] = aggregate("10.0.0.1", "10.0.0.2", 10, windowStart.Add(time.Duration(i)*time.Minute))
	}

	batch, err := b.BuildBatch(ctx, aggs)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Created, "concurrent writers converge on one edge")
	assert.Equal(t, 49, batch.Updated)

	edges, err := store.ListActiveEdges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, uint64(500), edges[0].BytesTotal, "counters equal the sum of all aggregates")
}
