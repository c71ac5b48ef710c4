package graph

import "github.com/google/uuid"

// newID mints identifiers for edges and history records.
func newID() string {
	return uuid.NewString()
}

// NewEdgeID is the exported form used by the builder when creating edges.
func NewEdgeID() string {
	return newID()
}
