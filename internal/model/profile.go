package model

import "time"

// Profile is the entity profile produced by the fallback cascade. Layer
// records which strategy produced it.
type Profile struct {
	EntityID    string           `json:"entity_id"`
	Name        string           `json:"name,omitempty"`
	Fields      []ConsensusField `json:"fields"`
	Summary     string           `json:"summary,omitempty"`
	Sources     []string         `json:"sources,omitempty"`
	Confidence  float64          `json:"confidence"`
	Layer       FallbackLayer    `json:"layer"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Field returns the named field.
func (p Profile) Field(name string) (ConsensusField, bool) {
	for _, f := range p.Fields {
		if f.Field == name {
			return f, true
		}
	}
	return ConsensusField{}, false
}

// ResolvedRatio is the share of required fields that carry a value. With
// no required fields it is the share of all fields.
func (p Profile) ResolvedRatio(required []string) float64 {
	if len(required) == 0 {
		if len(p.Fields) == 0 {
			return 0
		}
		n := 0
		for _, f := range p.Fields {
			if f.IsResolved() {
				n++
			}
		}
		return float64(n) / float64(len(p.Fields))
	}
	n := 0
	for _, name := range required {
		if f, ok := p.Field(name); ok && f.IsResolved() {
			n++
		}
	}
	return float64(n) / float64(len(required))
}
