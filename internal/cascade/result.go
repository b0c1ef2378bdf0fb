package cascade

import (
	"time"

	"github.com/sells-group/corpsignal/internal/model"
)

// Result is an accepted layer outcome. Each variant carries only what its
// layer can produce.
type Result interface {
	Layer() model.FallbackLayer
	Profile(entity model.Entity, at time.Time) model.Profile
}

// CacheHit is a fresh cached profile.
type CacheHit struct {
	Cached              model.Profile
	Age                 time.Duration
	EffectiveConfidence float64
}

func (CacheHit) Layer() model.FallbackLayer { return model.LayerCache }

// Profile returns the cached profile with its decayed confidence. The
// generation time is kept from the original.
func (r CacheHit) Profile(model.Entity, time.Time) model.Profile {
	p := r.Cached
	p.Confidence = r.EffectiveConfidence
	return p
}

// PrimaryResult is a complete, confident answer from the primary source.
type PrimaryResult struct {
	Provider   string
	Fields     []model.ConsensusField
	Citations  []string
	Summary    string
	Confidence float64
}

func (PrimaryResult) Layer() model.FallbackLayer { return model.LayerPrimary }

func (r PrimaryResult) Profile(e model.Entity, at time.Time) model.Profile {
	return model.Profile{
		Name:        e.Name,
		Fields:      r.Fields,
		Summary:     r.Summary,
		Sources:     append([]string{r.Provider}, r.Citations...),
		Confidence:  r.Confidence,
		GeneratedAt: at,
	}
}

// ValidatedResult is the consensus of the primary source and validators.
type ValidatedResult struct {
	Providers     []string
	Fields        []model.ConsensusField
	ResolvedRatio float64
	Confidence    float64
}

func (ValidatedResult) Layer() model.FallbackLayer { return model.LayerValidation }

func (r ValidatedResult) Profile(e model.Entity, at time.Time) model.Profile {
	return model.Profile{
		Name:        e.Name,
		Fields:      r.Fields,
		Sources:     r.Providers,
		Confidence:  r.Confidence,
		GeneratedAt: at,
	}
}

// SynthesizedResult is the consensus after a synthesis model weighed all
// candidates gathered so far.
type SynthesizedResult struct {
	Provider      string
	Fields        []model.ConsensusField
	Summary       string
	ResolvedRatio float64
	Confidence    float64
}

func (SynthesizedResult) Layer() model.FallbackLayer { return model.LayerSynthesis }

func (r SynthesizedResult) Profile(e model.Entity, at time.Time) model.Profile {
	return model.Profile{
		Name:        e.Name,
		Fields:      r.Fields,
		Summary:     r.Summary,
		Sources:     []string{r.Provider},
		Confidence:  r.Confidence,
		GeneratedAt: at,
	}
}

// RuleBasedResult is a deterministic plurality merge of gathered
// candidates and caller hints.
type RuleBasedResult struct {
	Fields     []model.ConsensusField
	Rules      []string
	Confidence float64
}

func (RuleBasedResult) Layer() model.FallbackLayer { return model.LayerRuleBased }

func (r RuleBasedResult) Profile(e model.Entity, at time.Time) model.Profile {
	return model.Profile{
		Name:        e.Name,
		Fields:      r.Fields,
		Sources:     r.Rules,
		Confidence:  r.Confidence,
		GeneratedAt: at,
	}
}

// DegradedResult is the minimal flagged profile.
type DegradedResult struct {
	Fields []model.ConsensusField
	Reason string
}

func (DegradedResult) Layer() model.FallbackLayer { return model.LayerDegraded }

func (r DegradedResult) Profile(e model.Entity, at time.Time) model.Profile {
	return model.Profile{
		Name:        e.Name,
		Fields:      r.Fields,
		Summary:     r.Reason,
		GeneratedAt: at,
	}
}

// unresolved lists the named fields without values.
func unresolved(fields []string) []model.ConsensusField {
	out := make([]model.ConsensusField, len(fields))
	for i, f := range fields {
		out[i] = model.ConsensusField{Field: f}
	}
	return out
}

// meanAgreement averages the agreement score over the required fields,
// counting missing or unresolved ones as zero. With no required fields it
// averages every field.
func meanAgreement(fields []model.ConsensusField, required []string) float64 {
	p := model.Profile{Fields: fields}
	names := required
	if len(names) == 0 {
		for _, f := range fields {
			names = append(names, f.Field)
		}
	}
	if len(names) == 0 {
		return 0
	}
	var sum float64
	for _, n := range names {
		if f, ok := p.Field(n); ok && f.IsResolved() {
			sum += f.AgreementScore
		}
	}
	return sum / float64(len(names))
}
