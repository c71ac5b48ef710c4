package schemas

import "errors"

// Sentinel errors shared across GraphStore implementations and their
// consumers. Wrapped errors must remain matchable with errors.Is.
var (
	// ErrAssetNotFound is returned for lookups of unknown or soft-deleted roots.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrEdgeNotFound is returned when no active edge exists for a key or ID.
	ErrEdgeNotFound = errors.New("dependency edge not found")
	// ErrEdgeExists is returned when creating an edge would violate the
	// single-active-edge invariant; callers retry the mutation as an update.
	ErrEdgeExists = errors.New("active dependency edge already exists")
	// ErrEdgeClosed is returned when mutating an edge whose valid_to is set.
	ErrEdgeClosed = errors.New("dependency edge is closed")
)
