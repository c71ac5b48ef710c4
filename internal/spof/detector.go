package spof

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

// Detection thresholds. Hub and bridge detectors share one band table;
// sole-dependency uses a tighter one because even a handful of assets with no
// fallback is a serious exposure.
const (
	hubMinFanIn    = 5
	bridgeMinIn    = 2
	bridgeMinOut   = 2
	soleMinSources = 1
)

// Detector runs structural single-point-of-failure analysis over the active
// dependency graph. It is a stateless read-only consumer of the store; every
// call works from a fresh snapshot of the active edges.
type Detector struct {
	store   schemas.GraphStore
	cfg     config.SPOFConfig
	log     *zap.Logger
	metrics *observability.Metrics
}

// New constructs a detector over the given store.
func New(store schemas.GraphStore, cfg config.SPOFConfig, logger *zap.Logger, metrics *observability.Metrics) *Detector {
	return &Detector{
		store:   store,
		cfg:     cfg,
		log:     logger.Named("spof"),
		metrics: metrics,
	}
}

// adjacency is the distinct-neighbor view of the active graph. Parallel edges
// (same endpoints, different port or protocol) collapse to one neighbor.
type adjacency struct {
	out map[string]map[string]bool // source -> distinct targets
	in  map[string]map[string]bool // target -> distinct sources
}

func buildAdjacency(edges []schemas.Dependency) adjacency {
	adj := adjacency{
		out: make(map[string]map[string]bool),
		in:  make(map[string]map[string]bool),
	}
	for _, e := range edges {
		if adj.out[e.SourceAssetID] == nil {
			adj.out[e.SourceAssetID] = make(map[string]bool)
		}
		adj.out[e.SourceAssetID][e.TargetAssetID] = true
		if adj.in[e.TargetAssetID] == nil {
			adj.in[e.TargetAssetID] = make(map[string]bool)
		}
		adj.in[e.TargetAssetID][e.SourceAssetID] = true
	}
	return adj
}

// Analyze runs all three detectors over the current active graph and returns
// the merged, deduplicated, severity-ranked report.
func (d *Detector) Analyze(ctx context.Context) (schemas.SPOFAnalysis, error) {
	start := time.Now()

	edges, err := d.store.ListActiveEdges(ctx, 0)
	if err != nil {
		return schemas.SPOFAnalysis{}, fmt.Errorf("failed to snapshot active edges: %w", err)
	}
	adj := buildAdjacency(edges)

	candidates := d.detectSoleDependencies(adj)
	candidates = append(candidates, d.detectCriticalHubs(adj)...)
	candidates = append(candidates, d.detectBridges(adj)...)

	if err := d.assignSeverities(ctx, candidates); err != nil {
		return schemas.SPOFAnalysis{}, err
	}

	analysis := schemas.SPOFAnalysis{
		Entries:    mergeHighestSeverity(candidates),
		BySeverity: make(map[schemas.Severity]int),
	}
	analysis.Total = len(analysis.Entries)
	for _, e := range analysis.Entries {
		analysis.BySeverity[e.Severity]++
		d.metrics.SPOFFindings.WithLabelValues(string(e.Severity)).Inc()
	}
	analysis.Recommendations = buildRecommendations(analysis)

	d.metrics.SPOFRuns.Inc()
	d.log.Info("SPOF analysis complete",
		zap.Int("edges", len(edges)),
		zap.Int("findings", analysis.Total),
		zap.Duration("elapsed", time.Since(start)))
	return analysis, nil
}

// detectSoleDependencies flags targets that are the only dependency of one or
// more sources. affected = the sources that would be fully cut off.
func (d *Detector) detectSoleDependencies(adj adjacency) []schemas.SPOFEntry {
	soleSources := make(map[string][]string)
	for src, targets := range adj.out {
		if len(targets) != 1 {
			continue
		}
		for tgt := range targets {
			soleSources[tgt] = append(soleSources[tgt], src)
		}
	}

	var entries []schemas.SPOFEntry
	for tgt, sources := range soleSources {
		if len(sources) < soleMinSources {
			continue
		}
		sort.Strings(sources)
		entries = append(entries, schemas.SPOFEntry{
			AssetID:        tgt,
			Type:           schemas.SPOFSoleDependency,
			AffectedAssets: sources,
			AffectedCount:  len(sources),
			Description:    fmt.Sprintf("sole dependency of %d asset(s); their only active dependency target", len(sources)),
		})
	}
	return d.capCandidates(entries)
}

// detectCriticalHubs flags assets with fan-in at or above the hub threshold.
func (d *Detector) detectCriticalHubs(adj adjacency) []schemas.SPOFEntry {
	var entries []schemas.SPOFEntry
	for tgt, sources := range adj.in {
		if len(sources) < hubMinFanIn {
			continue
		}
		affected := setToSlice(sources)
		entries = append(entries, schemas.SPOFEntry{
			AssetID:        tgt,
			Type:           schemas.SPOFCriticalHub,
			AffectedAssets: affected,
			AffectedCount:  len(affected),
			Description:    fmt.Sprintf("critical hub with fan-in of %d distinct dependents", len(affected)),
		})
	}
	return d.capCandidates(entries)
}

// detectBridges flags assets with substantial degree in both directions, a
// cheap proxy for connecting otherwise-separate regions of the graph.
func (d *Detector) detectBridges(adj adjacency) []schemas.SPOFEntry {
	var entries []schemas.SPOFEntry
	for asset, targets := range adj.out {
		sources := adj.in[asset]
		if len(sources) < bridgeMinIn || len(targets) < bridgeMinOut {
			continue
		}
		affected := setToSlice(sources)
		for t := range targets {
			if !sources[t] {
				affected = append(affected, t)
			}
		}
		sort.Strings(affected)
		entries = append(entries, schemas.SPOFEntry{
			AssetID:        asset,
			Type:           schemas.SPOFBridge,
			AffectedAssets: affected,
			AffectedCount:  len(sources) + len(targets),
			Description:    fmt.Sprintf("bridge with %d upstream and %d downstream distinct neighbors", len(sources), len(targets)),
		})
	}
	return d.capCandidates(entries)
}

// capCandidates keeps the top-N candidates per detector by affected count so a
// dense graph can't produce an unbounded report.
func (d *Detector) capCandidates(entries []schemas.SPOFEntry) []schemas.SPOFEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AffectedCount != entries[j].AffectedCount {
			return entries[i].AffectedCount > entries[j].AffectedCount
		}
		return entries[i].AssetID < entries[j].AssetID
	})
	if d.cfg.CandidateCap > 0 && len(entries) > d.cfg.CandidateCap {
		entries = entries[:d.cfg.CandidateCap]
	}
	return entries
}

// assignSeverities fills in each entry's severity from its detector band and
// the asset's criticality flag.
func (d *Detector) assignSeverities(ctx context.Context, entries []schemas.SPOFEntry) error {
	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !seen[e.AssetID] {
			seen[e.AssetID] = true
			ids = append(ids, e.AssetID)
		}
	}

	assets, err := d.store.GetAssetsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load assets for severity scoring: %w", err)
	}
	for i := range entries {
		critical := assets[entries[i].AssetID].IsCritical
		entries[i].Severity = scoreSeverity(entries[i].Type, entries[i].AffectedCount, critical)
	}
	return nil
}

// scoreSeverity maps an affected count to a severity band. A critical asset is
// always reported critical regardless of count.
func scoreSeverity(t schemas.SPOFType, affected int, isCritical bool) schemas.Severity {
	if isCritical {
		return schemas.SeverityCritical
	}

	critical, high, medium := 20, 10, 5
	if t == schemas.SPOFSoleDependency {
		critical, high, medium = 10, 5, 2
	}

	switch {
	case affected >= critical:
		return schemas.SeverityCritical
	case affected >= high:
		return schemas.SeverityHigh
	case affected >= medium:
		return schemas.SeverityMedium
	default:
		return schemas.SeverityLow
	}
}

// mergeHighestSeverity deduplicates entries flagged by multiple detectors,
// keeping one per asset at the highest severity, and sorts the final report.
func mergeHighestSeverity(entries []schemas.SPOFEntry) []schemas.SPOFEntry {
	best := make(map[string]schemas.SPOFEntry, len(entries))
	for _, e := range entries {
		cur, ok := best[e.AssetID]
		if !ok || outranks(e, cur) {
			best[e.AssetID] = e
		}
	}

	merged := make([]schemas.SPOFEntry, 0, len(best))
	for _, e := range best {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Severity.Rank() != merged[j].Severity.Rank() {
			return merged[i].Severity.Rank() > merged[j].Severity.Rank()
		}
		if merged[i].AffectedCount != merged[j].AffectedCount {
			return merged[i].AffectedCount > merged[j].AffectedCount
		}
		return merged[i].AssetID < merged[j].AssetID
	})
	return merged
}

func outranks(a, b schemas.SPOFEntry) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.AffectedCount > b.AffectedCount
}

func buildRecommendations(a schemas.SPOFAnalysis) []string {
	var recs []string
	if n := a.BySeverity[schemas.SeverityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d critical SPOF(s) detected; prioritize mitigation for these assets", n))
	}

	byType := make(map[schemas.SPOFType]int)
	for _, e := range a.Entries {
		byType[e.Type]++
	}
	if n := byType[schemas.SPOFSoleDependency]; n > 0 {
		recs = append(recs, fmt.Sprintf("add redundancy for %d sole-dependency asset(s)", n))
	}
	if n := byType[schemas.SPOFCriticalHub]; n > 0 {
		recs = append(recs, fmt.Sprintf("distribute load away from %d high-fan-in hub(s)", n))
	}
	if n := byType[schemas.SPOFBridge]; n > 0 {
		recs = append(recs, fmt.Sprintf("provision alternate routes around %d bridge asset(s)", n))
	}
	if len(recs) == 0 {
		recs = append(recs, "no structural single points of failure detected")
	}
	return recs
}

// CheckAsset re-runs the three detector checks scoped to one asset and reports
// which categories it matches with the combined (highest) severity.
func (d *Detector) CheckAsset(ctx context.Context, assetID string) (schemas.AssetSPOFCheck, error) {
	asset, err := d.store.GetAsset(ctx, assetID)
	if err != nil {
		return schemas.AssetSPOFCheck{}, err
	}

	incoming, err := d.store.EdgesInto(ctx, []string{assetID}, nil)
	if err != nil {
		return schemas.AssetSPOFCheck{}, err
	}
	outgoing, err := d.store.EdgesFrom(ctx, []string{assetID}, nil)
	if err != nil {
		return schemas.AssetSPOFCheck{}, err
	}

	sources := make(map[string]bool)
	for _, e := range incoming {
		sources[e.SourceAssetID] = true
	}
	targets := make(map[string]bool)
	for _, e := range outgoing {
		targets[e.TargetAssetID] = true
	}

	check := schemas.AssetSPOFCheck{AssetID: assetID}

	// Sole dependency: of the sources pointing here, which have no other target.
	soleSources, err := d.soleSourcesOf(ctx, assetID, sources)
	if err != nil {
		return schemas.AssetSPOFCheck{}, err
	}
	if len(soleSources) >= soleMinSources {
		check.Matches = append(check.Matches, schemas.SPOFEntry{
			AssetID:        assetID,
			Type:           schemas.SPOFSoleDependency,
			Severity:       scoreSeverity(schemas.SPOFSoleDependency, len(soleSources), asset.IsCritical),
			AffectedAssets: soleSources,
			AffectedCount:  len(soleSources),
			Description:    fmt.Sprintf("sole dependency of %d asset(s); their only active dependency target", len(soleSources)),
		})
	}

	if len(sources) >= hubMinFanIn {
		affected := setToSlice(sources)
		check.Matches = append(check.Matches, schemas.SPOFEntry{
			AssetID:        assetID,
			Type:           schemas.SPOFCriticalHub,
			Severity:       scoreSeverity(schemas.SPOFCriticalHub, len(affected), asset.IsCritical),
			AffectedAssets: affected,
			AffectedCount:  len(affected),
			Description:    fmt.Sprintf("critical hub with fan-in of %d distinct dependents", len(affected)),
		})
	}

	if len(sources) >= bridgeMinIn && len(targets) >= bridgeMinOut {
		affected := setToSlice(sources)
		for t := range targets {
			if !sources[t] {
				affected = append(affected, t)
			}
		}
		sort.Strings(affected)
		check.Matches = append(check.Matches, schemas.SPOFEntry{
			AssetID:        assetID,
			Type:           schemas.SPOFBridge,
			Severity:       scoreSeverity(schemas.SPOFBridge, len(sources)+len(targets), asset.IsCritical),
			AffectedAssets: affected,
			AffectedCount:  len(sources) + len(targets),
			Description:    fmt.Sprintf("bridge with %d upstream and %d downstream distinct neighbors", len(sources), len(targets)),
		})
	}

	check.IsSPOF = len(check.Matches) > 0
	for _, m := range check.Matches {
		if m.Severity.Rank() > check.Severity.Rank() {
			check.Severity = m.Severity
		}
	}
	return check, nil
}

// soleSourcesOf returns the sources in the set whose only active target is the
// given asset.
func (d *Detector) soleSourcesOf(ctx context.Context, assetID string, sources map[string]bool) ([]string, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	edges, err := d.store.EdgesFrom(ctx, setToSlice(sources), nil)
	if err != nil {
		return nil, err
	}
	targetsBySource := make(map[string]map[string]bool, len(sources))
	for _, e := range edges {
		if targetsBySource[e.SourceAssetID] == nil {
			targetsBySource[e.SourceAssetID] = make(map[string]bool)
		}
		targetsBySource[e.SourceAssetID][e.TargetAssetID] = true
	}

	var sole []string
	for src := range sources {
		targets := targetsBySource[src]
		if len(targets) == 1 && targets[assetID] {
			sole = append(sole, src)
		}
	}
	sort.Strings(sole)
	return sole, nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
