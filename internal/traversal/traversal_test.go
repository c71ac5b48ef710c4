package traversal

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

func defaultTraversalConfig() config.TraversalConfig {
	return config.TraversalConfig{
		DefaultMaxDepth: 5,
		PathMaxDepth:    10,
		MaxNodes:        1000,
		GraphEdgeLimit:  500,
	}
}

type fixture struct {
	store *graph.MemoryStore
	trav  *Traverser
}

func newFixture(t *testing.T, cfg config.TraversalConfig) *fixture {
	t.Helper()
	store := graph.NewMemoryStore(zap.NewNop())
	return &fixture{
		store: store,
		trav:  New(store, cfg, zap.NewNop(), observability.NewMetrics()),
	}
}

// edge wires src -> dst and makes sure both assets exist.
func (f *fixture) edge(t *testing.T, src, dst string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{src, dst} {
		require.NoError(t, f.store.UpsertAsset(ctx, schemas.Asset{ID: id, IPAddress: id, IsInternal: true}))
	}
	dep := schemas.Dependency{
		ID:            graph.NewEdgeID(),
		SourceAssetID: src,
		TargetAssetID: dst,
		TargetPort:    443,
		Protocol:      6,
		BytesTotal:    1,
		FlowsTotal:    1,
		FirstSeen:     anchor,
		LastSeen:      anchor,
		ValidFrom:     anchor,
	}
	hist, err := graph.NewHistoryRecord(dep.ID, schemas.ChangeCreated, nil, &dep, "test", anchor)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateEdge(context.Background(), dep, hist))
}

func nodeDepths(res schemas.TraversalResult) map[string]int {
	out := make(map[string]int, len(res.Nodes))
	for _, n := range res.Nodes {
		out[n.AssetID] = n.Depth
	}
	return out
}

func TestUpstreamDownstream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())

	// web -> app -> db, plus web -> cache.
	f.edge(t, "web", "app")
	f.edge(t, "app", "db")
	f.edge(t, "web", "cache")

	down, err := f.trav.Downstream(ctx, "web", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, down.TotalNodes)
	assert.False(t, down.Truncated)
	assert.Equal(t, map[string]int{"app": 1, "cache": 1, "db": 2}, nodeDepths(down))

	up, err := f.trav.Upstream(ctx, "db", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"app": 1, "web": 2}, nodeDepths(up))

	// Paths exclude the root and include the node.
	for _, n := range up.Nodes {
		if n.AssetID == "web" {
			assert.Equal(t, []string{"app", "web"}, n.Path)
		}
	}

	_, err = f.trav.Upstream(ctx, "no-such-asset", 0, nil)
	assert.ErrorIs(t, err, schemas.ErrAssetNotFound)
}

func TestTraversalCycleSafety(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())

	// a -> b -> c -> a.
	f.edge(t, "a", "b")
	f.edge(t, "b", "c")
	f.edge(t, "c", "a")

	res, err := f.trav.Downstream(ctx, "a", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 2}, nodeDepths(res), "the walk terminates and the root is not revisited")

	for _, n := range res.Nodes {
		seen := map[string]bool{}
		for _, hop := range n.Path {
			assert.False(t, seen[hop], "no node appears twice in a path")
			seen[hop] = true
		}
	}
}

func TestTraversalMinimumDepth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())

	// Two routes to "goal": length 2 and length 4.
	f.edge(t, "root", "short")
	f.edge(t, "short", "goal")
	f.edge(t, "root", "l1")
	f.edge(t, "l1", "l2")
	f.edge(t, "l2", "l3")
	f.edge(t, "l3", "goal")

	res, err := f.trav.Downstream(ctx, "root", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, nodeDepths(res)["goal"], "the minimum depth is reported")
}

func TestTraversalTruncation(t *testing.T) {
	ctx := context.Background()

	t.Run("depth cap", func(t *testing.T) {
		f := newFixture(t, defaultTraversalConfig())
		f.edge(t, "a", "b")
		f.edge(t, "b", "c")
		f.edge(t, "c", "d")

		res, err := f.trav.Downstream(ctx, "a", 2, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"b": 1, "c": 2}, nodeDepths(res))
		assert.True(t, res.Truncated, "nodes beyond the depth cap exist")

		res, err = f.trav.Downstream(ctx, "a", 3, nil)
		require.NoError(t, err)
		assert.False(t, res.Truncated)
	})

	t.Run("node cap", func(t *testing.T) {
		cfg := defaultTraversalConfig()
		cfg.MaxNodes = 2
		f := newFixture(t, cfg)
		f.edge(t, "hub", "s1")
		f.edge(t, "hub", "s2")
		f.edge(t, "hub", "s3")

		res, err := f.trav.Downstream(ctx, "hub", 0, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalNodes)
		assert.True(t, res.Truncated)
	})
}

func TestTraversalAsOf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())
	f.edge(t, "a", "b")

	// Close the edge an hour after creation.
	edges, err := f.store.ListActiveEdges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NoError(t, f.store.CloseEdge(ctx, edges[0].ID, anchor.Add(time.Hour), "test"))

	res, err := f.trav.Downstream(ctx, "a", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Nodes, "the closed edge is invisible now")

	mid := anchor.Add(30 * time.Minute)
	res, err = f.trav.Downstream(ctx, "a", 0, &mid)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1}, nodeDepths(res), "the closed edge is visible as of its interval")
}

func TestFindPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())

	// a -> b -> c -> d -> e, all directed the same way.
	f.edge(t, "a", "b")
	f.edge(t, "b", "c")
	f.edge(t, "c", "d")
	f.edge(t, "d", "e")

	t.Run("depth boundary", func(t *testing.T) {
		res, err := f.trav.FindPath(ctx, "a", "e", 3)
		require.NoError(t, err)
		assert.False(t, res.PathExists, "a 4-hop path is out of reach at depth 3")

		res, err = f.trav.FindPath(ctx, "a", "e", 4)
		require.NoError(t, err)
		assert.True(t, res.PathExists)
		assert.Equal(t, 4, res.Length)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, res.Path)
	})

	t.Run("direction is ignored", func(t *testing.T) {
		res, err := f.trav.FindPath(ctx, "e", "a", 0)
		require.NoError(t, err)
		assert.True(t, res.PathExists, "the undirected projection connects e back to a")
		assert.Equal(t, 4, res.Length)
	})

	t.Run("same source and target", func(t *testing.T) {
		res, err := f.trav.FindPath(ctx, "a", "a", 0)
		require.NoError(t, err)
		assert.True(t, res.PathExists)
		assert.Equal(t, 0, res.Length)
		assert.Equal(t, []string{"a"}, res.Path)
	})

	t.Run("unknown endpoints are errors", func(t *testing.T) {
		_, err := f.trav.FindPath(ctx, "a", "nope", 0)
		assert.ErrorIs(t, err, schemas.ErrAssetNotFound)
	})

	t.Run("disconnected assets", func(t *testing.T) {
		f.edge(t, "island1", "island2")
		res, err := f.trav.FindPath(ctx, "a", "island2", 0)
		require.NoError(t, err)
		assert.False(t, res.PathExists, "no route is a result, not an error")
	})
}

func TestFullGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultTraversalConfig())
	f.edge(t, "a", "b")
	f.edge(t, "b", "c")
	f.edge(t, "c", "d")

	snap, err := f.trav.FullGraph(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, snap.Edges, 3)
	assert.Len(t, snap.Nodes, 4)
	assert.False(t, snap.Truncated)

	snap, err = f.trav.FullGraph(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, snap.Edges, 2)
	assert.True(t, snap.Truncated)
	for _, n := range snap.Nodes {
		found := false
		for _, e := range snap.Edges {
			if e.SourceAssetID == n.ID || e.TargetAssetID == n.ID {
				found = true
			}
		}
		assert.True(t, found, "only nodes participating in a returned edge are included")
	}
}
