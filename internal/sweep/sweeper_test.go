package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/graph"
	"github.com/netseer/netseer/internal/observability"
)

var anchor = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedEdge(t *testing.T, store *graph.MemoryStore, src, dst string, lastSeen time.Time) schemas.Dependency {
	t.Helper()
	dep := schemas.Dependency{
		ID:            graph.NewEdgeID(),
		SourceAssetID: src,
		TargetAssetID: dst,
		TargetPort:    443,
		Protocol:      6,
		FlowsTotal:    1,
		FirstSeen:     lastSeen.Add(-time.Hour),
		LastSeen:      lastSeen,
		ValidFrom:     lastSeen.Add(-time.Hour),
	}
	hist, err := graph.NewHistoryRecord(dep.ID, schemas.ChangeCreated, nil, &dep, "test", lastSeen)
	require.NoError(t, err)
	require.NoError(t, store.CreateEdge(context.Background(), dep, hist))
	return dep
}

func newTestSweeper(store *graph.MemoryStore, cfg config.SweepConfig) *Sweeper {
	s := New(store, cfg, zap.NewNop(), observability.NewMetrics())
	s.now = func() time.Time { return anchor }
	return s
}

func TestRunOnceClosesStaleEdges(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())

	stale := seedEdge(t, store, "a", "b", anchor.Add(-48*time.Hour))
	fresh := seedEdge(t, store, "a", "c", anchor.Add(-time.Hour))

	sweeper := newTestSweeper(store, config.SweepConfig{
		StaleAfter:        24 * time.Hour,
		Interval:          time.Hour,
		BatchSize:         100,
		ClosuresPerSecond: 1000,
	})

	closed, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	// The stale edge is closed with an audit record; the fresh one is intact.
	_, err = store.FindActiveEdge(ctx, stale.Key())
	assert.ErrorIs(t, err, schemas.ErrEdgeNotFound)

	records, err := store.ListHistory(ctx, stale.ID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schemas.ChangeDeleted, records[0].ChangeType)
	assert.Contains(t, records[0].Reason, "no traffic observed since")

	_, err = store.FindActiveEdge(ctx, fresh.Key())
	assert.NoError(t, err)

	// A second pass finds nothing.
	closed, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

// racedStore reports an extra, already-closed edge from ListStaleEdges,
// reproducing a closure that happened between listing and closing.
type racedStore struct {
	schemas.GraphStore
	extra schemas.Dependency
}

func (r *racedStore) ListStaleEdges(ctx context.Context, cutoff time.Time, limit int) ([]schemas.Dependency, error) {
	edges, err := r.GraphStore.ListStaleEdges(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return append([]schemas.Dependency{r.extra}, edges...), nil
}

func TestRunOnceSkipsRacedClosures(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore(zap.NewNop())

	first := seedEdge(t, mem, "a", "b", anchor.Add(-48*time.Hour))
	seedEdge(t, mem, "a", "c", anchor.Add(-48*time.Hour))

	// Someone else closes the first edge between listing and closing.
	require.NoError(t, mem.CloseEdge(ctx, first.ID, anchor.Add(-time.Hour), "external"))

	sweeper := New(&racedStore{GraphStore: mem, extra: first}, config.SweepConfig{
		StaleAfter:        24 * time.Hour,
		Interval:          time.Hour,
		BatchSize:         100,
		ClosuresPerSecond: 1000,
	}, zap.NewNop(), observability.NewMetrics())
	sweeper.now = func() time.Time { return anchor }

	closed, err := sweeper.RunOnce(ctx)
	require.NoError(t, err, "an already-closed edge is not an error")
	assert.Equal(t, 1, closed, "only the remaining stale edge counts")
}

func TestRunOnceHonorsBatchSize(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(zap.NewNop())

	for i := 0; i < 5; i++ {
		seedEdge(t, store, "src", string(rune('a'+i)), anchor.Add(-48*time.Hour))
	}

	sweeper := newTestSweeper(store, config.SweepConfig{
		StaleAfter:        24 * time.Hour,
		Interval:          time.Hour,
		BatchSize:         2,
		ClosuresPerSecond: 1000,
	})

	closed, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, closed, "one pass closes at most a batch")
}
