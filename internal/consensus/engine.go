// Package consensus reconciles per-field candidate values from several
// providers into a single value with an agreement score.
package consensus

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/model"
)

const scoreEpsilon = 1e-9

// Options tune similarity and the acceptance floor.
type Options struct {
	SimilarityThreshold float64
	NumericTolerance    float64
	MinAgreement        float64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{SimilarityThreshold: 0.7, NumericTolerance: 0.05, MinAgreement: 0.5}
}

// Engine resolves fields against a static field table.
type Engine struct {
	table *FieldTable
	opts  Options
	sim   Similarity
}

// NewEngine creates an engine. A nil table weighs every provider equally
// and has no primaries.
func NewEngine(table *FieldTable, opts Options) *Engine {
	return &Engine{
		table: table,
		opts:  opts,
		sim:   Similarity{Threshold: opts.SimilarityThreshold, NumericTolerance: opts.NumericTolerance},
	}
}

// WithMinAgreement returns a copy of the engine with a different
// acceptance floor. A floor of zero resolves every field by plurality.
func (e *Engine) WithMinAgreement(v float64) *Engine {
	opts := e.opts
	opts.MinAgreement = v
	return NewEngine(e.table, opts)
}

// Table returns the engine's field table.
func (e *Engine) Table() *FieldTable {
	return e.table
}

type group struct {
	members []model.FieldCandidate
	sources []string
	score   float64
}

func (g *group) hasSource(src string) bool {
	for _, s := range g.sources {
		if s == src {
			return true
		}
	}
	return false
}

// Resolve reconciles the candidates for one field. Candidates with empty
// values are ignored. Every group that is not selected is reported as a
// discrepancy; when the best group scores below MinAgreement the field is
// left unresolved and every group is reported.
func (e *Engine) Resolve(field string, candidates []model.FieldCandidate) model.ConsensusField {
	out := model.ConsensusField{Field: field}

	var groups []*group
	totalSeen := map[string]bool{}
	var total float64
	for _, c := range candidates {
		if strings.TrimSpace(model.ValueString(c.Value)) == "" {
			continue
		}
		if !totalSeen[c.Source] {
			totalSeen[c.Source] = true
			total += e.table.Weight(field, c.Source)
		}

		var into *group
		for _, g := range groups {
			if e.sim.Same(g.members[0].Value, c.Value) {
				into = g
				break
			}
		}
		if into == nil {
			into = &group{}
			groups = append(groups, into)
		}
		into.members = append(into.members, c)
		if !into.hasSource(c.Source) {
			into.sources = append(into.sources, c.Source)
		}
	}
	if len(groups) == 0 {
		return out
	}

	for _, g := range groups {
		var w float64
		for _, s := range g.sources {
			w += e.table.Weight(field, s)
		}
		if total > 0 {
			g.score = w / total
		}
	}

	primary := e.table.Primary(field)
	best, tieRule := e.pick(groups, primary)
	winner := groups[best]

	out.AgreementScore = winner.score
	out.ContributingSources = append([]string(nil), winner.sources...)

	if winner.score+scoreEpsilon < e.opts.MinAgreement {
		for _, g := range groups {
			out.Discrepancies = append(out.Discrepancies, discrepancy(field, g, model.RuleBelowMinimum))
		}
		zap.L().Debug("consensus: field unresolved",
			zap.String("field", field),
			zap.Float64("best_score", winner.score),
			zap.Int("groups", len(groups)),
		)
		return out
	}

	out.Resolved = representative(winner, primary)
	for i, g := range groups {
		if i == best {
			continue
		}
		rule := model.RuleLowerAgreement
		if g.score+scoreEpsilon >= winner.score {
			rule = tieRule
		}
		out.Discrepancies = append(out.Discrepancies, discrepancy(field, g, rule))
	}
	return out
}

// pick returns the index of the winning group and the rule that broke a tie
// at the top score, if there was one.
func (e *Engine) pick(groups []*group, primary string) (int, string) {
	best := 0
	for i, g := range groups {
		if g.score > groups[best].score+scoreEpsilon {
			best = i
		}
	}
	tied := 0
	for _, g := range groups {
		if g.score+scoreEpsilon >= groups[best].score {
			tied++
		}
	}
	if tied < 2 {
		return best, model.RuleLowerAgreement
	}
	if primary != "" {
		for i, g := range groups {
			if g.score+scoreEpsilon >= groups[best].score && g.hasSource(primary) {
				return i, model.RuleTieBrokenPrimary
			}
		}
	}
	return best, model.RuleTieBrokenOrder
}

// representative prefers the primary provider's value, then the most
// confident candidate, then the first seen.
func representative(g *group, primary string) any {
	if primary != "" {
		for _, m := range g.members {
			if m.Source == primary {
				return m.Value
			}
		}
	}
	rep := g.members[0]
	for _, m := range g.members[1:] {
		if m.Confidence > rep.Confidence {
			rep = m
		}
	}
	return rep.Value
}

func discrepancy(field string, g *group, rule string) model.Discrepancy {
	vals := make([]model.SourcedValue, len(g.members))
	for i, m := range g.members {
		vals[i] = model.SourcedValue{Source: m.Source, Value: m.Value}
	}
	return model.Discrepancy{
		Field:             field,
		ConflictingValues: vals,
		AgreementScore:    g.score,
		ResolutionRule:    rule,
	}
}

// ResolveAll groups candidates by field and resolves each, in field order.
func (e *Engine) ResolveAll(candidates []model.FieldCandidate) []model.ConsensusField {
	byField := map[string][]model.FieldCandidate{}
	for _, c := range candidates {
		byField[c.Field] = append(byField[c.Field], c)
	}
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]model.ConsensusField, 0, len(fields))
	for _, f := range fields {
		out = append(out, e.Resolve(f, byField[f]))
	}
	return out
}

// Index maps resolved fields by name.
func Index(fields []model.ConsensusField) map[string]model.ConsensusField {
	m := make(map[string]model.ConsensusField, len(fields))
	for _, f := range fields {
		m[f.Field] = f
	}
	return m
}
