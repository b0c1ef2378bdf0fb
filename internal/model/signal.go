package model

import "time"

// Category is one entry in the signal output taxonomy. Each extraction
// agent is authorized to emit a disjoint subset of categories.
type Category string

const (
	// Direct impact on the corporation itself.
	CategoryFinancial   Category = "financial"
	CategoryLegal       Category = "legal"
	CategoryGovernance  Category = "governance"
	CategoryOperational Category = "operational"

	// Impact through the corporation's industry.
	CategoryIndustryTrend Category = "industry_trend"
	CategorySupplyChain   Category = "supply_chain"
	CategoryCompetition   Category = "competition"

	// Impact through the wider environment.
	CategoryMacro       Category = "macro"
	CategoryRegulatory  Category = "regulatory"
	CategoryGeopolitics Category = "geopolitics"
)

// SignalType classifies a signal's direction.
type SignalType string

const (
	SignalRisk        SignalType = "risk"
	SignalOpportunity SignalType = "opportunity"
	SignalNeutral     SignalType = "neutral"
)

// Contradicts reports whether two signal types are opposing classifications.
func (t SignalType) Contradicts(other SignalType) bool {
	return (t == SignalRisk && other == SignalOpportunity) ||
		(t == SignalOpportunity && other == SignalRisk)
}

// EvidenceRef cites a source a signal was derived from.
type EvidenceRef struct {
	Kind string `json:"kind,omitempty"`
	Ref  string `json:"ref"`
}

// Signal is an extracted fact about an entity prior to deduplication
// (a candidate record). Signature is its identity for dedup purposes.
type Signal struct {
	ID          string        `json:"id"`
	EntityID    string        `json:"entity_id"`
	Agent       string        `json:"agent"`
	Category    Category      `json:"category"`
	SubCategory string        `json:"sub_category,omitempty"`
	Type        SignalType    `json:"signal_type"`
	Title       string        `json:"title"`
	Summary     string        `json:"summary,omitempty"`
	Targets     []string      `json:"targets,omitempty"`
	Evidence    []EvidenceRef `json:"evidence"`
	Confidence  float64       `json:"confidence"`
	Signature   string        `json:"signature,omitempty"`
	ConflictID  string        `json:"conflict_id,omitempty"`
	ExtractedAt time.Time     `json:"extracted_at"`
}

// Conflict links signals from different agents that classify the same
// underlying event in contradictory ways.
type Conflict struct {
	ID             string       `json:"id"`
	SignalIDs      []string     `json:"signal_ids"`
	Agents         []string     `json:"agents"`
	Types          []SignalType `json:"types"`
	SharedTargets  []string     `json:"shared_targets"`
	SharedEvidence []string     `json:"shared_evidence"`
}
