package model

import (
	"fmt"
	"time"
)

// FieldCandidate is one provider's opinion about one profile field.
type FieldCandidate struct {
	Field       string    `json:"field"`
	Value       any       `json:"value"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// SourcedValue pairs a value with the provider that claimed it.
type SourcedValue struct {
	Source string `json:"source"`
	Value  any    `json:"value"`
}

// Resolution rules recorded on discrepancies.
const (
	RuleLowerAgreement   = "lower_weighted_agreement"
	RuleTieBrokenPrimary = "tie_broken_by_primary_provider"
	RuleTieBrokenOrder   = "tie_broken_by_first_seen"
	RuleBelowMinimum     = "below_min_agreement"
)

// Discrepancy records a group of values that was not selected for a field.
type Discrepancy struct {
	Field             string         `json:"field"`
	ConflictingValues []SourcedValue `json:"conflicting_values"`
	AgreementScore    float64        `json:"agreement_score"`
	ResolutionRule    string         `json:"resolution_rule"`
}

// ConsensusField is the reconciled value of one field. Resolved is nil when
// no group of sources reached the minimum agreement.
type ConsensusField struct {
	Field               string        `json:"field"`
	Resolved            any           `json:"resolved"`
	AgreementScore      float64       `json:"agreement_score"`
	ContributingSources []string      `json:"contributing_sources"`
	Discrepancies       []Discrepancy `json:"discrepancies,omitempty"`
}

// IsResolved reports whether the field carries a value.
func (f ConsensusField) IsResolved() bool {
	return f.Resolved != nil
}

// ValueString renders a candidate value for prompts, logs and storage.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// FallbackLayer is the ordered set of profile strategies. Lower values have
// higher priority.
type FallbackLayer int

const (
	LayerCache FallbackLayer = iota
	LayerPrimary
	LayerValidation
	LayerSynthesis
	LayerRuleBased
	LayerDegraded
)

func (l FallbackLayer) String() string {
	switch l {
	case LayerCache:
		return "cache"
	case LayerPrimary:
		return "primary"
	case LayerValidation:
		return "validation"
	case LayerSynthesis:
		return "synthesis"
	case LayerRuleBased:
		return "rule_based"
	case LayerDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText renders the layer by name in JSON payloads.
func (l FallbackLayer) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a layer name produced by MarshalText.
func (l *FallbackLayer) UnmarshalText(b []byte) error {
	for c := LayerCache; c <= LayerDegraded; c++ {
		if c.String() == string(b) {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown fallback layer %q", string(b))
}
