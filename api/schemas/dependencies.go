package schemas

import (
	"fmt"
	"time"
)

// EdgeKey identifies a dependency edge by its natural key. At most one active
// edge may exist per key at any point in time.
type EdgeKey struct {
	SourceAssetID string `json:"source_asset_id"`
	TargetAssetID string `json:"target_asset_id"`
	TargetPort    uint16 `json:"target_port"`
	Protocol      uint8  `json:"protocol"`
}

// String renders the key in a stable, log-friendly form.
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s->%s:%d/%d", k.SourceAssetID, k.TargetAssetID, k.TargetPort, k.Protocol)
}

// Dependency is a directed graph edge recording observed communication from a
// source asset to a target asset on a specific port and protocol.
//
// Temporal validity is bitemporal: ValidFrom/ValidTo bound the interval during
// which the edge is considered part of the graph (ValidTo nil means currently
// active), while FirstSeen/LastSeen track observed traffic independently.
type Dependency struct {
	ID            string `json:"id"`
	SourceAssetID string `json:"source_asset_id"`
	TargetAssetID string `json:"target_asset_id"`
	TargetPort    uint16 `json:"target_port"`
	Protocol      uint8  `json:"protocol"`

	// Cumulative counters, monotonically non-decreasing while the edge is active.
	BytesTotal   uint64 `json:"bytes_total"`
	PacketsTotal uint64 `json:"packets_total"`
	FlowsTotal   uint64 `json:"flows_total"`

	// Denormalized rolling-window totals, recomputed from the underlying
	// traffic history on every update. Consumed by anomaly comparison.
	BytesLast24h uint64 `json:"bytes_last_24h"`
	BytesLast7d  uint64 `json:"bytes_last_7d"`

	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	DependencyType string `json:"dependency_type,omitempty"` // Inferred service label, e.g. "https".
	IsCritical     bool   `json:"is_critical"`
	IsConfirmed    bool   `json:"is_confirmed"`
	IsIgnored      bool   `json:"is_ignored"`
}

// Key returns the natural key of the edge.
func (d Dependency) Key() EdgeKey {
	return EdgeKey{
		SourceAssetID: d.SourceAssetID,
		TargetAssetID: d.TargetAssetID,
		TargetPort:    d.TargetPort,
		Protocol:      d.Protocol,
	}
}

// Active reports whether the edge is currently part of the graph.
func (d Dependency) Active() bool {
	return d.ValidTo == nil
}

// ActiveAt reports whether the edge was part of the graph at the given instant.
func (d Dependency) ActiveAt(t time.Time) bool {
	if t.Before(d.ValidFrom) {
		return false
	}
	return d.ValidTo == nil || d.ValidTo.After(t)
}

// TrafficDelta carries the relative counter increments contributed by one flow
// aggregate. Deltas are applied server-side so concurrent writers never lose
// updates.
type TrafficDelta struct {
	Bytes       uint64    `json:"bytes"`
	Packets     uint64    `json:"packets"`
	Flows       uint64    `json:"flows"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// ChangeType categorizes a dependency state transition in the audit history.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeDeleted ChangeType = "deleted" // Edge closed (ValidTo set); terminal.
	ChangeUpdated ChangeType = "updated" // Externally-triggered metadata change.
)

// DependencyHistory is an append-only audit record of a dependency state
// transition. Records are write-once; the graph engine never updates or
// deletes them.
type DependencyHistory struct {
	ID            string     `json:"id"`
	DependencyID  string     `json:"dependency_id"`
	ChangeType    ChangeType `json:"change_type"`
	PreviousState string     `json:"previous_state,omitempty"` // JSON snapshot.
	NewState      string     `json:"new_state,omitempty"`      // JSON snapshot.
	Reason        string     `json:"reason"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// MutationOutcome describes what the builder did with one flow aggregate.
type MutationOutcome string

const (
	OutcomeCreated MutationOutcome = "created"
	OutcomeUpdated MutationOutcome = "updated"
	OutcomeSkipped MutationOutcome = "skipped"
)

// SkipReason explains why an aggregate produced no edge mutation.
type SkipReason string

const (
	SkipSelfLoop         SkipReason = "self_loop"
	SkipUnmappedSource   SkipReason = "unmapped_source"
	SkipUnmappedTarget   SkipReason = "unmapped_target"
	SkipExternalExcluded SkipReason = "external_excluded"
	SkipMalformed        SkipReason = "malformed"
)

// MutationResult is the per-aggregate outcome emitted by the builder.
type MutationResult struct {
	Outcome      MutationOutcome `json:"outcome"`
	DependencyID string          `json:"dependency_id,omitempty"`
	SkipReason   SkipReason      `json:"skip_reason,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// BatchResult summarizes a batch build run. Per-item conditions never abort
// the batch; they surface as skipped results.
type BatchResult struct {
	Results []MutationResult `json:"results"`
	Created int              `json:"created"`
	Updated int              `json:"updated"`
	Skipped int              `json:"skipped"`
}
