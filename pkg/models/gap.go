package models

import "time"

// SourceType is one of the recognized categories a required field's value can
// be discovered in. Each category carries a fixed confidence weight.
type SourceType string

const (
	SourceCanonicalColumn  SourceType = "canonical_column"
	SourceCustomAttribute  SourceType = "custom_attribute"
	SourceEnrichmentTable  SourceType = "enrichment_table"
	SourceEnvironmentMeta  SourceType = "environment_metadata"
	SourceCanonicalAppRoll SourceType = "canonical_app_rollup"
	SourcePropagated       SourceType = "propagated_related_asset"
)

// SourceConfidence returns the fixed confidence weight for a source category,
// or 0 for an unrecognized one.
func SourceConfidence(s SourceType) float64 {
	switch s {
	case SourceCanonicalColumn:
		return 1.00
	case SourceCustomAttribute:
		return 0.95
	case SourceEnrichmentTable:
		return 0.90
	case SourceEnvironmentMeta:
		return 0.85
	case SourceCanonicalAppRoll:
		return 0.80
	case SourcePropagated:
		return 0.70
	}
	return 0
}

// ProbeOrder lists the source categories in descending confidence order, the
// order the analyzer probes them in.
var ProbeOrder = []SourceType{
	SourceCanonicalColumn,
	SourceCustomAttribute,
	SourceEnrichmentTable,
	SourceEnvironmentMeta,
	SourceCanonicalAppRoll,
	SourcePropagated,
}

// GapPriority classifies how urgently a missing field needs resolution.
type GapPriority string

const (
	GapPriorityCritical GapPriority = "critical"
	GapPriorityHigh     GapPriority = "high"
	GapPriorityMedium   GapPriority = "medium"
	GapPriorityLow      GapPriority = "low"
)

// GapStatus tracks a gap's resolution lifecycle. Resolved and waived gaps are
// excluded from the pending count.
type GapStatus string

const (
	GapStatusUnresolved GapStatus = "unresolved"
	GapStatusResolved   GapStatus = "resolved"
	GapStatusWaived     GapStatus = "waived"
)

// DataHit records one source that yielded a value for a field.
type DataHit struct {
	SourceType SourceType `json:"source_type"`
	FieldPath  string     `json:"field_path"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
}

// Gap is the per-asset, per-field tracking unit. IsTrueGap holds exactly when
// DataFound is empty; ConfidenceScore is the confidence that the field really
// is missing (1 minus the best hit's confidence, 1.0 when nothing was found).
type Gap struct {
	DomainFlowID string      `json:"domain_flow_id"`
	AssetID      string      `json:"asset_id"`
	FieldID      string      `json:"field_id"`
	Priority     GapPriority `json:"priority"`
	Status       GapStatus   `json:"status"`

	DataFound       []DataHit `json:"data_found,omitempty"`
	IsTrueGap       bool      `json:"is_true_gap"`
	ConfidenceScore float64   `json:"confidence_score"`

	AnalyzedAt time.Time `json:"analyzed_at"`
}
