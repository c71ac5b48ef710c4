package traversal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
	"github.com/netseer/netseer/internal/config"
	"github.com/netseer/netseer/internal/observability"
)

// Traverser answers reachability questions over the dependency graph. All
// walks are breadth-first, so recorded depths are minimal, and all bounds are
// reported as truncation rather than errors.
type Traverser struct {
	store   schemas.GraphStore
	cfg     config.TraversalConfig
	log     *zap.Logger
	metrics *observability.Metrics
}

// New constructs a traverser over the given store.
func New(store schemas.GraphStore, cfg config.TraversalConfig, logger *zap.Logger, metrics *observability.Metrics) *Traverser {
	return &Traverser{
		store:   store,
		cfg:     cfg,
		log:     logger.Named("traversal"),
		metrics: metrics,
	}
}

// Upstream walks backward (target -> source) from the root: the assets that
// depend on the root, directly or transitively. maxDepth <= 0 selects the
// configured default; a nil asOf walks the currently-active graph.
func (t *Traverser) Upstream(ctx context.Context, rootID string, maxDepth int, asOf *time.Time) (schemas.TraversalResult, error) {
	return t.walk(ctx, rootID, schemas.DirectionUpstream, maxDepth, asOf)
}

// Downstream walks forward (source -> target) from the root: the assets the
// root depends on, directly or transitively.
func (t *Traverser) Downstream(ctx context.Context, rootID string, maxDepth int, asOf *time.Time) (schemas.TraversalResult, error) {
	return t.walk(ctx, rootID, schemas.DirectionDownstream, maxDepth, asOf)
}

func (t *Traverser) walk(ctx context.Context, rootID string, dir schemas.Direction, maxDepth int, asOf *time.Time) (schemas.TraversalResult, error) {
	start := time.Now()
	if maxDepth <= 0 {
		maxDepth = t.cfg.DefaultMaxDepth
	}

	if err := t.assertAssetExists(ctx, rootID); err != nil {
		return schemas.TraversalResult{}, err
	}

	res := schemas.TraversalResult{Root: rootID, Direction: dir}

	// visited maps each reached asset to the minimum depth at which it was
	// first seen; revisits through longer routes (including cycles back to
	// already-expanded nodes) are ignored.
	visited := map[string]int{rootID: 0}
	paths := map[string][]string{rootID: nil}
	frontier := []string{rootID}

	for depth := 1; len(frontier) > 0; depth++ {
		edges, err := t.fetchFrontier(ctx, frontier, dir, asOf)
		if err != nil {
			return schemas.TraversalResult{}, err
		}

		if depth > maxDepth {
			// The walk is depth-capped; any unvisited neighbor here means
			// reachable nodes were left out.
			for _, e := range edges {
				if _, seen := visited[neighborOf(e, dir)]; !seen {
					res.Truncated = true
					break
				}
			}
			break
		}

		var next []string
		for _, e := range edges {
			n := neighborOf(e, dir)
			if _, seen := visited[n]; seen {
				continue
			}
			if len(res.Nodes) >= t.cfg.MaxNodes {
				res.Truncated = true
				break
			}

			via := frontierOf(e, dir)
			path := make([]string, 0, len(paths[via])+1)
			path = append(append(path, paths[via]...), n)

			visited[n] = depth
			paths[n] = path
			res.Nodes = append(res.Nodes, schemas.TraversalNode{AssetID: n, Depth: depth, Path: path})
			next = append(next, n)
		}
		if res.Truncated {
			break
		}
		frontier = next
	}

	sortNodes(res.Nodes)
	res.TotalNodes = len(res.Nodes)

	t.metrics.TraversalQueries.WithLabelValues(string(dir)).Inc()
	t.metrics.TraversalDuration.Observe(time.Since(start).Seconds())
	t.log.Debug("Graph walk complete",
		zap.String("root", rootID),
		zap.String("direction", string(dir)),
		zap.Int("nodes", res.TotalNodes),
		zap.Bool("truncated", res.Truncated))
	return res, nil
}

// fetchFrontier loads the edges that extend the walk one level. Upstream
// expands edges arriving at the frontier; downstream expands edges leaving it.
func (t *Traverser) fetchFrontier(ctx context.Context, frontier []string, dir schemas.Direction, asOf *time.Time) ([]schemas.Dependency, error) {
	if dir == schemas.DirectionUpstream {
		return t.store.EdgesInto(ctx, frontier, asOf)
	}
	return t.store.EdgesFrom(ctx, frontier, asOf)
}

func neighborOf(e schemas.Dependency, dir schemas.Direction) string {
	if dir == schemas.DirectionUpstream {
		return e.SourceAssetID
	}
	return e.TargetAssetID
}

func frontierOf(e schemas.Dependency, dir schemas.Direction) string {
	if dir == schemas.DirectionUpstream {
		return e.TargetAssetID
	}
	return e.SourceAssetID
}

// FindPath finds a shortest route between two assets over the undirected
// projection of the active graph: edge direction is ignored so that shared
// infrastructure between two services is discoverable from either end.
// maxDepth <= 0 selects the configured default. No route within the depth
// bound yields PathExists=false, not an error.
func (t *Traverser) FindPath(ctx context.Context, sourceID, targetID string, maxDepth int) (schemas.PathResult, error) {
	start := time.Now()
	if maxDepth <= 0 {
		maxDepth = t.cfg.PathMaxDepth
	}

	if err := t.assertAssetExists(ctx, sourceID); err != nil {
		return schemas.PathResult{}, err
	}
	if err := t.assertAssetExists(ctx, targetID); err != nil {
		return schemas.PathResult{}, err
	}

	res := schemas.PathResult{Source: sourceID, Target: targetID}
	defer func() {
		t.metrics.PathQueries.Inc()
		t.metrics.TraversalDuration.Observe(time.Since(start).Seconds())
	}()

	if sourceID == targetID {
		res.PathExists = true
		res.Path = []string{sourceID}
		return res, nil
	}

	parent := map[string]string{sourceID: ""}
	frontier := []string{sourceID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		neighbors, err := t.undirectedNeighbors(ctx, frontier)
		if err != nil {
			return schemas.PathResult{}, err
		}

		var next []string
		for _, pair := range neighbors {
			if _, seen := parent[pair.node]; seen {
				continue
			}
			parent[pair.node] = pair.via
			if pair.node == targetID {
				res.PathExists = true
				res.Path = reconstruct(parent, targetID)
				res.Length = len(res.Path) - 1
				return res, nil
			}
			next = append(next, pair.node)
		}
		frontier = next
	}
	return res, nil
}

type hop struct {
	node string
	via  string
}

// undirectedNeighbors returns the nodes adjacent to the frontier in either
// edge direction, each with the frontier node it was reached through.
func (t *Traverser) undirectedNeighbors(ctx context.Context, frontier []string) ([]hop, error) {
	out, err := t.store.EdgesFrom(ctx, frontier, nil)
	if err != nil {
		return nil, err
	}
	in, err := t.store.EdgesInto(ctx, frontier, nil)
	if err != nil {
		return nil, err
	}

	hops := make([]hop, 0, len(out)+len(in))
	for _, e := range out {
		hops = append(hops, hop{node: e.TargetAssetID, via: e.SourceAssetID})
	}
	for _, e := range in {
		hops = append(hops, hop{node: e.SourceAssetID, via: e.TargetAssetID})
	}
	return hops, nil
}

func reconstruct(parent map[string]string, target string) []string {
	var rev []string
	for node := target; node != ""; node = parent[node] {
		rev = append(rev, node)
	}
	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}

// FullGraph extracts a bounded snapshot of the active graph for visualization.
// limit <= 0 selects the configured edge cap; only assets participating in a
// returned edge are included as nodes.
func (t *Traverser) FullGraph(ctx context.Context, limit int) (schemas.GraphSnapshot, error) {
	if limit <= 0 {
		limit = t.cfg.GraphEdgeLimit
	}

	// Fetch one past the cap to distinguish "exactly limit" from "more exist".
	edges, err := t.store.ListActiveEdges(ctx, limit+1)
	if err != nil {
		return schemas.GraphSnapshot{}, err
	}

	snap := schemas.GraphSnapshot{}
	if len(edges) > limit {
		snap.Truncated = true
		edges = edges[:limit]
	}
	snap.Edges = edges

	idSet := make(map[string]bool, len(edges)*2)
	for _, e := range edges {
		idSet[e.SourceAssetID] = true
		idSet[e.TargetAssetID] = true
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	assets, err := t.store.GetAssetsByIDs(ctx, ids)
	if err != nil {
		return schemas.GraphSnapshot{}, err
	}
	for _, id := range ids {
		if a, ok := assets[id]; ok {
			snap.Nodes = append(snap.Nodes, a)
			continue
		}
		// Endpoint with no asset record; keep the edge renderable.
		snap.Nodes = append(snap.Nodes, schemas.Asset{ID: id})
	}
	return snap, nil
}

// assertAssetExists rejects walks rooted at unknown or soft-deleted assets.
func (t *Traverser) assertAssetExists(ctx context.Context, id string) error {
	a, err := t.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if a.Deleted() {
		return fmt.Errorf("asset %q is deleted: %w", id, schemas.ErrAssetNotFound)
	}
	return nil
}

func sortNodes(nodes []schemas.TraversalNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Depth != nodes[j].Depth {
			return nodes[i].Depth < nodes[j].Depth
		}
		return nodes[i].AssetID < nodes[j].AssetID
	})
}
