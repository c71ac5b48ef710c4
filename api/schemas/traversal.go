package schemas

// Direction selects which way a traversal walks the directed graph.
type Direction string

const (
	// DirectionUpstream walks backward along edges (target -> source): the
	// root's predecessors, i.e. the assets that depend on it.
	DirectionUpstream Direction = "upstream"
	// DirectionDownstream walks forward (source -> target): the assets the
	// root depends on.
	DirectionDownstream Direction = "downstream"
)

// TraversalNode is one asset discovered by a graph walk. Depth is the minimum
// number of hops from the root at which the asset was first reached; Path is
// the asset-ID chain from the root to this node (root excluded, node included)
// along the first shortest route discovered.
type TraversalNode struct {
	AssetID string   `json:"asset_id"`
	Depth   int      `json:"depth"`
	Path    []string `json:"path"`
}

// TraversalResult is the outcome of an upstream or downstream walk.
type TraversalResult struct {
	Root       string          `json:"root"`
	Direction  Direction       `json:"direction"`
	Nodes      []TraversalNode `json:"nodes"`
	TotalNodes int             `json:"total_nodes"`
	Truncated  bool            `json:"truncated"` // Result hit the depth or size cap.
}

// PathResult is the outcome of a shortest-path query over the undirected
// projection of the active graph.
type PathResult struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	PathExists bool     `json:"path_exists"`
	Path       []string `json:"path,omitempty"`   // Source and target inclusive.
	Length     int      `json:"length,omitempty"` // Hop count; len(Path)-1.
}

// GraphSnapshot is a bounded subgraph extraction for visualization. Only nodes
// that participate in at least one returned edge are included.
type GraphSnapshot struct {
	Nodes     []Asset      `json:"nodes"`
	Edges     []Dependency `json:"edges"`
	Truncated bool         `json:"truncated"`
}
