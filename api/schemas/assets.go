package schemas

import (
	"time"
)

// Asset represents a network-addressable entity (host or service) tracked by
// the dependency graph. Assets are owned by the identity subsystem; the graph
// engine reads them but never creates or deletes them.
type Asset struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	IPAddress  string     `json:"ip_address"`
	IsCritical bool       `json:"is_critical"` // Operator-asserted criticality.
	IsInternal bool       `json:"is_internal"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"` // Soft-delete marker; nil means live.
}

// Deleted reports whether the asset has been soft-deleted. Deleted assets are
// excluded from traversal and analysis results.
func (a Asset) Deleted() bool {
	return a.DeletedAt != nil
}
