package cascade

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpsignal/internal/consensus"
	"github.com/sells-group/corpsignal/internal/model"
)

// HintSource is the source recorded for caller-supplied hint values.
const HintSource = "hints"

// Fields names what the cascade asks for and what it must resolve.
type Fields struct {
	Wanted   []string
	Required []string
}

// all returns wanted and required fields, deduplicated and sorted.
func (f Fields) all() []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{f.Required, f.Wanted} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// complete adds unresolved entries for required fields that are absent
// and sorts by field name.
func complete(fields []model.ConsensusField, required []string) []model.ConsensusField {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f.Field] = true
	}
	for _, r := range required {
		if !have[r] {
			fields = append(fields, model.ConsensusField{Field: r})
			have[r] = true
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

// CacheLayer serves a previously accepted profile while its time-decayed
// confidence stays above a floor.
type CacheLayer struct {
	cache         ProfileCache
	minConfidence float64
	halfLife      time.Duration
	now           func() time.Time
}

// NewCacheLayer creates the cache layer.
func NewCacheLayer(cache ProfileCache, minConfidence float64, halfLife time.Duration) *CacheLayer {
	return &CacheLayer{cache: cache, minConfidence: minConfidence, halfLife: halfLife, now: time.Now}
}

func (l *CacheLayer) Kind() model.FallbackLayer { return model.LayerCache }
func (l *CacheLayer) Providers() []string       { return nil }

func (l *CacheLayer) Attempt(ctx context.Context, req Request, _ *Accumulated) (Verdict, error) {
	p, err := l.cache.GetCachedProfile(ctx, req.EntityID)
	if err != nil {
		return Verdict{}, eris.Wrap(err, "cascade: read cache")
	}
	if p == nil {
		return Reject("cache miss"), nil
	}
	now := l.now()
	eff := EffectiveConfidence(p.Confidence, p.GeneratedAt, now, l.halfLife)
	if eff < l.minConfidence {
		return Reject("cached confidence %.2f below %.2f", eff, l.minConfidence), nil
	}
	return Accept(CacheHit{Cached: *p, Age: now.Sub(p.GeneratedAt), EffectiveConfidence: eff}), nil
}

// PrimaryLayer asks the primary source and accepts when every required
// field comes back with enough confidence.
type PrimaryLayer struct {
	caller   Caller
	provider string
	fields   Fields
	accept   float64
	now      func() time.Time
}

// NewPrimaryLayer creates the primary-source layer.
func NewPrimaryLayer(caller Caller, providerID string, fields Fields, acceptConfidence float64) *PrimaryLayer {
	return &PrimaryLayer{caller: caller, provider: providerID, fields: fields, accept: acceptConfidence, now: time.Now}
}

func (l *PrimaryLayer) Kind() model.FallbackLayer { return model.LayerPrimary }
func (l *PrimaryLayer) Providers() []string       { return []string{l.provider} }

func (l *PrimaryLayer) Attempt(ctx context.Context, req Request, acc *Accumulated) (Verdict, error) {
	want := l.fields.all()
	ans, err := ask(ctx, l.caller, l.provider, "cascade.primary", profilePrompt(req, want, nil, false), want, l.now().UTC())
	if err != nil {
		return Verdict{}, err
	}
	acc.Candidates = append(acc.Candidates, ans.candidates...)
	if len(ans.candidates) == 0 {
		return Reject("no fields returned"), nil
	}

	byField := make(map[string]model.FieldCandidate, len(ans.candidates))
	for _, c := range ans.candidates {
		byField[c.Field] = c
	}

	var missing, weak []string
	var sum float64
	for _, r := range l.fields.Required {
		c, ok := byField[r]
		switch {
		case !ok:
			missing = append(missing, r)
		case c.Confidence < l.accept:
			weak = append(weak, r)
		}
		sum += c.Confidence
	}
	if len(missing) > 0 {
		return Reject("missing required fields: %s", strings.Join(missing, ",")), nil
	}
	if len(weak) > 0 {
		return Reject("confidence below %.2f: %s", l.accept, strings.Join(weak, ",")), nil
	}

	conf := 0.0
	if len(l.fields.Required) > 0 {
		conf = sum / float64(len(l.fields.Required))
	} else {
		for _, c := range ans.candidates {
			conf += c.Confidence
		}
		conf /= float64(len(ans.candidates))
	}

	fields := make([]model.ConsensusField, 0, len(ans.candidates))
	for _, c := range ans.candidates {
		fields = append(fields, model.ConsensusField{
			Field:               c.Field,
			Resolved:            c.Value,
			AgreementScore:      1,
			ContributingSources: []string{l.provider},
		})
	}
	return Accept(PrimaryResult{
		Provider:   l.provider,
		Fields:     fields,
		Citations:  ans.citations,
		Summary:    ans.summary,
		Confidence: conf,
	}), nil
}

// ValidationLayer asks validators, concurrently, to verify the claims so
// far and accepts when consensus resolves enough required fields across at
// least two sources.
type ValidationLayer struct {
	caller    Caller
	providers []string
	avail     Availability
	engine    *consensus.Engine
	fields    Fields
	minRatio  float64
	now       func() time.Time
}

// NewValidationLayer creates the validation layer. avail may be nil.
func NewValidationLayer(caller Caller, providers []string, avail Availability, engine *consensus.Engine, fields Fields, minRatio float64) *ValidationLayer {
	return &ValidationLayer{
		caller: caller, providers: providers, avail: avail, engine: engine,
		fields: fields, minRatio: minRatio, now: time.Now,
	}
}

func (l *ValidationLayer) Kind() model.FallbackLayer { return model.LayerValidation }
func (l *ValidationLayer) Providers() []string       { return l.providers }

func (l *ValidationLayer) Attempt(ctx context.Context, req Request, acc *Accumulated) (Verdict, error) {
	var active []string
	for _, p := range l.providers {
		if l.avail == nil || l.avail.Available(p) {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return Reject("no validator available"), nil
	}

	want := l.fields.all()
	prompt := profilePrompt(req, want, acc.Candidates, false)
	at := l.now().UTC()

	answers := make([]answer, len(active))
	errs := make([]error, len(active))
	var g errgroup.Group
	for i, p := range active {
		g.Go(func() error {
			answers[i], errs[i] = ask(ctx, l.caller, p, "cascade.validation", prompt, want, at)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for i, p := range active {
		if errs[i] != nil {
			zap.L().Warn("cascade: validator failed",
				zap.String("entity_id", req.EntityID),
				zap.String("provider", p),
				zap.Error(errs[i]),
			)
			continue
		}
		ok++
		acc.Candidates = append(acc.Candidates, answers[i].candidates...)
	}
	if ok == 0 {
		return Verdict{}, errors.Join(errs...)
	}

	if n := distinctSources(acc.Candidates); n < 2 {
		return Reject("only %d source to cross-check", n), nil
	}

	fields := complete(l.engine.ResolveAll(acc.Candidates), l.fields.Required)
	ratio := model.Profile{Fields: fields}.ResolvedRatio(l.fields.Required)
	if ratio < l.minRatio {
		return Reject("resolved %.2f of required fields, need %.2f", ratio, l.minRatio), nil
	}
	return Accept(ValidatedResult{
		Providers:     sourcesOf(acc.Candidates),
		Fields:        fields,
		ResolvedRatio: ratio,
		Confidence:    meanAgreement(fields, l.fields.Required),
	}), nil
}

// SynthesisLayer gives a synthesis model every claim gathered so far plus
// the context, and resolves consensus including its answer.
type SynthesisLayer struct {
	caller   Caller
	provider string
	engine   *consensus.Engine
	fields   Fields
	minRatio float64
	now      func() time.Time
}

// NewSynthesisLayer creates the synthesis layer.
func NewSynthesisLayer(caller Caller, providerID string, engine *consensus.Engine, fields Fields, minRatio float64) *SynthesisLayer {
	return &SynthesisLayer{caller: caller, provider: providerID, engine: engine, fields: fields, minRatio: minRatio, now: time.Now}
}

func (l *SynthesisLayer) Kind() model.FallbackLayer { return model.LayerSynthesis }
func (l *SynthesisLayer) Providers() []string       { return []string{l.provider} }

func (l *SynthesisLayer) Attempt(ctx context.Context, req Request, acc *Accumulated) (Verdict, error) {
	want := l.fields.all()
	ans, err := ask(ctx, l.caller, l.provider, "cascade.synthesis", profilePrompt(req, want, acc.Candidates, true), want, l.now().UTC())
	if err != nil {
		return Verdict{}, err
	}
	acc.Candidates = append(acc.Candidates, ans.candidates...)

	fields := complete(l.engine.ResolveAll(acc.Candidates), l.fields.Required)
	ratio := model.Profile{Fields: fields}.ResolvedRatio(l.fields.Required)
	if ratio < l.minRatio {
		return Reject("resolved %.2f of required fields, need %.2f", ratio, l.minRatio), nil
	}
	return Accept(SynthesizedResult{
		Provider:      l.provider,
		Fields:        fields,
		Summary:       ans.summary,
		ResolvedRatio: ratio,
		Confidence:    meanAgreement(fields, l.fields.Required),
	}), nil
}

// RuleBasedLayer merges gathered candidates by plurality without an
// agreement floor, filling gaps from caller hints. It needs no provider.
type RuleBasedLayer struct {
	engine *consensus.Engine
	fields Fields
	now    func() time.Time
}

// NewRuleBasedLayer creates the rule-based layer from the consensus engine.
func NewRuleBasedLayer(engine *consensus.Engine, fields Fields) *RuleBasedLayer {
	return &RuleBasedLayer{engine: engine.WithMinAgreement(0), fields: fields, now: time.Now}
}

func (l *RuleBasedLayer) Kind() model.FallbackLayer { return model.LayerRuleBased }
func (l *RuleBasedLayer) Providers() []string       { return nil }

func (l *RuleBasedLayer) Attempt(_ context.Context, req Request, acc *Accumulated) (Verdict, error) {
	cands := append([]model.FieldCandidate(nil), acc.Candidates...)
	have := map[string]bool{}
	for _, c := range cands {
		have[c.Field] = true
	}

	var rules []string
	if len(cands) > 0 {
		rules = append(rules, "plurality")
	}
	usedHints := false
	at := l.now().UTC()
	for _, f := range l.fields.all() {
		v, ok := req.Context.Hints[f]
		if have[f] || !ok || strings.TrimSpace(v) == "" {
			continue
		}
		cands = append(cands, model.FieldCandidate{Field: f, Value: v, Source: HintSource, Confidence: 0.5, ExtractedAt: at})
		usedHints = true
	}
	if usedHints {
		rules = append(rules, HintSource)
	}

	fields := complete(l.engine.ResolveAll(cands), l.fields.Required)
	resolved := 0
	for _, f := range fields {
		if f.IsResolved() {
			resolved++
		}
	}
	if resolved == 0 {
		return Reject("no candidates or hints to merge"), nil
	}
	return Accept(RuleBasedResult{
		Fields:     fields,
		Rules:      rules,
		Confidence: meanAgreement(fields, l.fields.Required) / 2,
	}), nil
}

// DegradedLayer always accepts with a minimal profile listing the
// required fields as unresolved.
type DegradedLayer struct {
	fields Fields
}

// NewDegradedLayer creates the final layer.
func NewDegradedLayer(fields Fields) *DegradedLayer {
	return &DegradedLayer{fields: fields}
}

func (l *DegradedLayer) Kind() model.FallbackLayer { return model.LayerDegraded }
func (l *DegradedLayer) Providers() []string       { return nil }

func (l *DegradedLayer) Attempt(_ context.Context, _ Request, acc *Accumulated) (Verdict, error) {
	return Accept(DegradedResult{
		Fields: unresolved(l.fields.Required),
		Reason: "no layer produced an acceptable profile: " + joinRejections(acc.Rejections),
	}), nil
}

func distinctSources(cands []model.FieldCandidate) int {
	return len(sourcesOf(cands))
}

func sourcesOf(cands []model.FieldCandidate) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cands {
		if !seen[c.Source] {
			seen[c.Source] = true
			out = append(out, c.Source)
		}
	}
	return out
}
