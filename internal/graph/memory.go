package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netseer/netseer/api/schemas"
)

// MemoryStore is a fast, ephemeral GraphStore with the same semantics as the
// Postgres implementation: one active edge per key, delta-applied counters,
// rolling windows recomputed from retained traffic history, append-only audit
// log. Used for tests and short-lived runs where persistence isn't required.
type MemoryStore struct {
	mu sync.RWMutex

	assets      map[string]schemas.Asset
	edges       map[string]schemas.Dependency           // edge ID -> edge
	activeByKey map[schemas.EdgeKey]string               // natural key -> active edge ID
	traffic     map[string][]schemas.TrafficDelta        // edge ID -> retained observations
	history     map[string][]schemas.DependencyHistory   // edge ID -> audit records, oldest first

	log *zap.Logger
	now func() time.Time
}

var _ schemas.GraphStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		assets:      make(map[string]schemas.Asset),
		edges:       make(map[string]schemas.Dependency),
		activeByKey: make(map[schemas.EdgeKey]string),
		traffic:     make(map[string][]schemas.TrafficDelta),
		history:     make(map[string][]schemas.DependencyHistory),
		log:         logger.Named("MemoryStore"),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook for rolling-window math.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// UpsertAsset registers or refreshes an asset record. Asset identity is owned
// externally; this exists so mappers and tests can seed the store.
func (m *MemoryStore) UpsertAsset(ctx context.Context, asset schemas.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.ID] = asset
	return nil
}

func (m *MemoryStore) GetAsset(ctx context.Context, id string) (schemas.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return schemas.Asset{}, fmt.Errorf("asset %q: %w", id, schemas.ErrAssetNotFound)
	}
	return a, nil
}

func (m *MemoryStore) GetAssetsByIDs(ctx context.Context, ids []string) (map[string]schemas.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]schemas.Asset, len(ids))
	for _, id := range ids {
		if a, ok := m.assets[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *MemoryStore) FindActiveEdge(ctx context.Context, key schemas.EdgeKey) (schemas.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByKey[key]
	if !ok {
		return schemas.Dependency{}, fmt.Errorf("edge %s: %w", key, schemas.ErrEdgeNotFound)
	}
	return m.edges[id], nil
}

func (m *MemoryStore) CreateEdge(ctx context.Context, dep schemas.Dependency, hist schemas.DependencyHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dep.Key()
	if _, exists := m.activeByKey[key]; exists {
		return fmt.Errorf("edge %s: %w", key, schemas.ErrEdgeExists)
	}

	m.edges[dep.ID] = dep
	m.activeByKey[key] = dep.ID
	m.traffic[dep.ID] = append(m.traffic[dep.ID], schemas.TrafficDelta{
		Bytes:       dep.BytesTotal,
		Packets:     dep.PacketsTotal,
		Flows:       dep.FlowsTotal,
		WindowStart: dep.FirstSeen,
		WindowEnd:   dep.LastSeen,
	})
	m.history[dep.ID] = append(m.history[dep.ID], hist)

	m.log.Debug("Edge created",
		zap.String("edge_id", dep.ID),
		zap.String("key", key.String()))
	return nil
}

func (m *MemoryStore) ApplyTraffic(ctx context.Context, edgeID string, delta schemas.TrafficDelta) (schemas.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.edges[edgeID]
	if !ok {
		return schemas.Dependency{}, fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeNotFound)
	}
	if !dep.Active() {
		return schemas.Dependency{}, fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeClosed)
	}

	m.traffic[edgeID] = append(m.traffic[edgeID], delta)

	dep.BytesTotal += delta.Bytes
	dep.PacketsTotal += delta.Packets
	dep.FlowsTotal += delta.Flows
	if delta.WindowEnd.After(dep.LastSeen) {
		dep.LastSeen = delta.WindowEnd
	}
	dep.BytesLast24h = m.sumBytesSinceLocked(edgeID, m.now().Add(-24*time.Hour))
	dep.BytesLast7d = m.sumBytesSinceLocked(edgeID, m.now().Add(-7*24*time.Hour))

	m.edges[edgeID] = dep
	return dep, nil
}

// sumBytesSinceLocked recomputes a rolling window from the retained traffic
// history. Caller holds the write lock.
func (m *MemoryStore) sumBytesSinceLocked(edgeID string, since time.Time) uint64 {
	var total uint64
	for _, obs := range m.traffic[edgeID] {
		if obs.WindowEnd.After(since) {
			total += obs.Bytes
		}
	}
	return total
}

func (m *MemoryStore) CloseEdge(ctx context.Context, edgeID string, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.edges[edgeID]
	if !ok {
		return fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeNotFound)
	}
	if !dep.Active() {
		return fmt.Errorf("edge %q: %w", edgeID, schemas.ErrEdgeClosed)
	}

	prev := dep
	closedAt := at.UTC()
	dep.ValidTo = &closedAt
	m.edges[edgeID] = dep
	delete(m.activeByKey, dep.Key())

	hist, err := NewHistoryRecord(edgeID, schemas.ChangeDeleted, &prev, &dep, reason, at)
	if err != nil {
		return err
	}
	m.history[edgeID] = append(m.history[edgeID], hist)

	m.log.Debug("Edge closed", zap.String("edge_id", edgeID), zap.String("reason", reason))
	return nil
}

func (m *MemoryStore) EdgesInto(ctx context.Context, targetIDs []string, asOf *time.Time) ([]schemas.Dependency, error) {
	return m.edgesByEndpoint(targetIDs, asOf, func(d schemas.Dependency) string { return d.TargetAssetID })
}

func (m *MemoryStore) EdgesFrom(ctx context.Context, sourceIDs []string, asOf *time.Time) ([]schemas.Dependency, error) {
	return m.edgesByEndpoint(sourceIDs, asOf, func(d schemas.Dependency) string { return d.SourceAssetID })
}

func (m *MemoryStore) edgesByEndpoint(ids []string, asOf *time.Time, endpoint func(schemas.Dependency) string) ([]schemas.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []schemas.Dependency
	for _, d := range m.edges {
		if !want[endpoint(d)] {
			continue
		}
		if !m.validAtLocked(d, asOf) {
			continue
		}
		if m.endpointDeletedLocked(d) {
			continue
		}
		out = append(out, d)
	}
	sortByID(out)
	return out, nil
}

func (m *MemoryStore) validAtLocked(d schemas.Dependency, asOf *time.Time) bool {
	if asOf == nil {
		return d.Active()
	}
	return d.ActiveAt(*asOf)
}

// endpointDeletedLocked reports whether either endpoint is soft-deleted. An
// asset unknown to the store is treated as live: mapper-created assets always
// have a record, and tests may reference bare IDs.
func (m *MemoryStore) endpointDeletedLocked(d schemas.Dependency) bool {
	if a, ok := m.assets[d.SourceAssetID]; ok && a.Deleted() {
		return true
	}
	if a, ok := m.assets[d.TargetAssetID]; ok && a.Deleted() {
		return true
	}
	return false
}

func (m *MemoryStore) ListActiveEdges(ctx context.Context, limit int) ([]schemas.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schemas.Dependency
	for _, id := range m.activeByKey {
		d := m.edges[id]
		if m.endpointDeletedLocked(d) {
			continue
		}
		out = append(out, d)
	}
	sortByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStaleEdges(ctx context.Context, cutoff time.Time, limit int) ([]schemas.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schemas.Dependency
	for _, id := range m.activeByKey {
		d := m.edges[id]
		if d.LastSeen.Before(cutoff) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, dependencyID string, limit int) ([]schemas.DependencyHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.history[dependencyID]
	out := make([]schemas.DependencyHistory, 0, len(records))
	// Stored oldest first; returned newest first.
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortByID(deps []schemas.Dependency) {
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
}
