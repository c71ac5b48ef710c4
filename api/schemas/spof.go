package schemas

// Severity ranks how disruptive the loss of an asset would be.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityRank orders severities for comparison and sorting.
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// Rank returns a numeric ordering for the severity; higher is worse.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SPOFType identifies which structural detector flagged an asset.
type SPOFType string

const (
	SPOFSoleDependency SPOFType = "sole_dependency" // Only dependency of one or more sources.
	SPOFCriticalHub    SPOFType = "critical_hub"    // Unusually high fan-in.
	SPOFBridge         SPOFType = "bridge"          // Substantial in and out degree; likely connects clusters.
)

// SPOFEntry is one asset flagged as a single point of failure. When an asset
// matches multiple detectors the entry keeps the highest-severity match.
type SPOFEntry struct {
	AssetID        string   `json:"asset_id"`
	Type           SPOFType `json:"type"`
	Severity       Severity `json:"severity"`
	AffectedAssets []string `json:"affected_assets"`
	AffectedCount  int      `json:"affected_count"`
	Description    string   `json:"description"`
}

// SPOFAnalysis is the merged, deduplicated report of all three detectors,
// sorted by (severity desc, affected_count desc).
type SPOFAnalysis struct {
	Total           int              `json:"total"`
	BySeverity      map[Severity]int `json:"by_severity"`
	Entries         []SPOFEntry      `json:"entries"`
	Recommendations []string         `json:"recommendations"`
}

// AssetSPOFCheck is the point-query result for a single asset: which detector
// categories it matches and the combined (highest) severity.
type AssetSPOFCheck struct {
	AssetID  string      `json:"asset_id"`
	IsSPOF   bool        `json:"is_spof"`
	Matches  []SPOFEntry `json:"matches"`
	Severity Severity    `json:"severity,omitempty"`
}
