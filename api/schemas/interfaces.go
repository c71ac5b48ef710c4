package schemas

import (
	"context"
	"time"
)

// GraphStore is the single shared mutable resource of the engine: the
// persisted set of assets, dependency edges, and audit history. The builder is
// the only writer; traversal and SPOF detection are read-only consumers.
//
// Implementations must guarantee, at every commit boundary, that at most one
// active edge exists per EdgeKey, and that counter increments are applied as
// relative deltas rather than read-modify-write.
type GraphStore interface {
	// GetAsset retrieves a single asset. Returns ErrAssetNotFound for unknown IDs.
	GetAsset(ctx context.Context, id string) (Asset, error)
	// GetAssetsByIDs retrieves a batch of assets keyed by ID. Unknown IDs are
	// simply absent from the result.
	GetAssetsByIDs(ctx context.Context, ids []string) (map[string]Asset, error)

	// FindActiveEdge returns the currently-active edge for the key, or
	// ErrEdgeNotFound if none exists.
	FindActiveEdge(ctx context.Context, key EdgeKey) (Dependency, error)
	// CreateEdge inserts a new active edge together with its "created" history
	// record in one atomic unit. A concurrent create for the same key surfaces
	// as ErrEdgeExists and must be retried as an update by the caller.
	CreateEdge(ctx context.Context, dep Dependency, hist DependencyHistory) error
	// ApplyTraffic atomically records one traffic observation against an active
	// edge: counters are incremented server-side by the delta, last_seen is
	// advanced, and the 24h/7d rolling windows are recomputed from the retained
	// traffic history (including this delta). Returns the updated edge.
	ApplyTraffic(ctx context.Context, edgeID string, delta TrafficDelta) (Dependency, error)
	// CloseEdge sets valid_to and appends a "deleted" history record in one
	// atomic unit. Closing is terminal; ErrEdgeClosed is returned if the edge
	// is already closed.
	CloseEdge(ctx context.Context, edgeID string, at time.Time, reason string) error

	// EdgesInto returns edges whose target is in targetIDs, EdgesFrom edges
	// whose source is in sourceIDs. With a nil asOf only active edges
	// participate; otherwise edges valid at asOf. Edges touching soft-deleted
	// assets are excluded.
	EdgesInto(ctx context.Context, targetIDs []string, asOf *time.Time) ([]Dependency, error)
	EdgesFrom(ctx context.Context, sourceIDs []string, asOf *time.Time) ([]Dependency, error)
	// ListActiveEdges returns up to limit active edges in a deterministic
	// order for a fixed snapshot; limit <= 0 means no cap.
	ListActiveEdges(ctx context.Context, limit int) ([]Dependency, error)
	// ListStaleEdges returns active edges whose last_seen is before the cutoff,
	// oldest first, up to limit.
	ListStaleEdges(ctx context.Context, cutoff time.Time, limit int) ([]Dependency, error)

	// ListHistory returns the audit records for one dependency, newest first.
	ListHistory(ctx context.Context, dependencyID string, limit int) ([]DependencyHistory, error)
}

// AssetMapper resolves an IP address to a stable asset identifier. Resolution
// is idempotent: the same IP maps to the same asset ID unless an external
// reassignment occurs. Implementations may lazily create asset records.
type AssetMapper interface {
	Resolve(ctx context.Context, ip string) (assetID string, err error)
}

// ServiceLabel is the classification a ProtocolResolver assigns to a
// (port, protocol) pair.
type ServiceLabel struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// ProtocolResolver labels a (port, protocol) pair with a service category.
// Absence of a match is not an error; ok is false.
type ProtocolResolver interface {
	Resolve(port uint16, protocol uint8) (label ServiceLabel, ok bool)
}
