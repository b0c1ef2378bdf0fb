package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/config"
	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/provider"
	"github.com/sells-group/corpsignal/internal/resilience"
)

// Agent names.
const (
	NameDirect      = "direct-impact"
	NameIndustry    = "industry-impact"
	NameEnvironment = "environment-impact"
)

// Caller sends a prompt to a provider. *provider.Gateway satisfies it.
type Caller interface {
	Call(ctx context.Context, providerID string, req provider.Request) (*provider.Response, error)
}

// llmAgent extracts signals by prompting one provider with its context
// subset and parsing a JSON reply.
type llmAgent struct {
	name     string
	focus    string
	taxonomy []model.Category
	sections []string
	timeout  time.Duration
	provider string
	caller   Caller
}

func (a *llmAgent) Name() string               { return a.name }
func (a *llmAgent) Taxonomy() []model.Category { return a.taxonomy }
func (a *llmAgent) Timeout() time.Duration     { return a.timeout }
func (a *llmAgent) RequiredSections() []string { return a.sections }

// NewDirectImpact extracts signals about the corporation itself.
func NewDirectImpact(caller Caller, providerID string, timeout time.Duration) Agent {
	return &llmAgent{
		name:     NameDirect,
		focus:    "events that affect the company directly: results, litigation, management, operations",
		taxonomy: []model.Category{model.CategoryFinancial, model.CategoryLegal, model.CategoryGovernance, model.CategoryOperational},
		sections: []string{model.SectionNews, model.SectionDisclosures},
		timeout:  timeout,
		provider: providerID,
		caller:   caller,
	}
}

// NewIndustryImpact extracts signals that reach the corporation through its
// industry.
func NewIndustryImpact(caller Caller, providerID string, timeout time.Duration) Agent {
	return &llmAgent{
		name:     NameIndustry,
		focus:    "industry developments that affect the company: demand trends, suppliers, competitors",
		taxonomy: []model.Category{model.CategoryIndustryTrend, model.CategorySupplyChain, model.CategoryCompetition},
		sections: []string{model.SectionIndustry, model.SectionNews},
		timeout:  timeout,
		provider: providerID,
		caller:   caller,
	}
}

// NewEnvironmentImpact extracts signals from the macro, regulatory and
// geopolitical environment.
func NewEnvironmentImpact(caller Caller, providerID string, timeout time.Duration) Agent {
	return &llmAgent{
		name:     NameEnvironment,
		focus:    "macroeconomic, regulatory and geopolitical developments that affect the company",
		taxonomy: []model.Category{model.CategoryMacro, model.CategoryRegulatory, model.CategoryGeopolitics},
		sections: []string{model.SectionMacro, model.SectionRegulation},
		timeout:  timeout,
		provider: providerID,
		caller:   caller,
	}
}

// DefaultAgents builds the three standard agents in declaration order.
func DefaultAgents(caller Caller, cfg config.AgentsConfig) []Agent {
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return []Agent{
		NewDirectImpact(caller, cfg.Direct.Provider, secs(cfg.Direct.TimeoutSecs)),
		NewIndustryImpact(caller, cfg.Industry.Provider, secs(cfg.Industry.TimeoutSecs)),
		NewEnvironmentImpact(caller, cfg.Environment.Provider, secs(cfg.Environment.TimeoutSecs)),
	}
}

// replySignal is the JSON shape agents ask providers for.
type replySignal struct {
	Category    string   `json:"category"`
	SubCategory string   `json:"sub_category"`
	SignalType  string   `json:"signal_type"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Targets     []string `json:"targets"`
	Evidence    []string `json:"evidence"`
	Confidence  float64  `json:"confidence"`
}

type reply struct {
	Signals []replySignal `json:"signals"`
}

func (a *llmAgent) Run(ctx context.Context, in Input) ([]model.Signal, error) {
	resp, err := a.caller.Call(ctx, a.provider, provider.Request{
		Operation: "agent." + a.name,
		System:    a.systemPrompt(),
		Prompt:    renderContext(in),
		JSON:      true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "agent: %s", a.name)
	}

	var r reply
	if err := provider.ExtractJSON(resp.Text, &r); err != nil {
		return nil, eris.Wrapf(err, "agent: %s", a.name)
	}
	return a.toSignals(r, resp.Text, in)
}

func (a *llmAgent) systemPrompt() string {
	cats := make([]string, len(a.taxonomy))
	for i, c := range a.taxonomy {
		cats[i] = string(c)
	}
	return fmt.Sprintf(`You analyse corporate news for risk and opportunity signals.
Report only %s.
Reply with JSON: {"signals":[{"category":one of [%s],"sub_category":string,"signal_type":"risk"|"opportunity"|"neutral","title":string,"summary":string,"targets":[entity names],"evidence":[ref of each cited context item],"confidence":0..1}]}.
Cite only refs present in the context. Reply {"signals":[]} when nothing applies.`,
		a.focus, strings.Join(cats, ", "))
}

// renderContext lays out the entity and its context items with their refs
// so the model can cite them. Sections are emitted in sorted order.
func renderContext(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Company: %s", in.Entity.Name)
	if in.Entity.Industry != "" {
		fmt.Fprintf(&sb, " (industry: %s)", in.Entity.Industry)
	}
	if in.Entity.Country != "" {
		fmt.Fprintf(&sb, " (country: %s)", in.Entity.Country)
	}
	sb.WriteString("\n")

	names := make([]string, 0, len(in.Sections))
	for name := range in.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(&sb, "\n## %s\n", name)
		for _, item := range in.Sections[name] {
			fmt.Fprintf(&sb, "- [ref=%s] %s", item.Ref, item.Title)
			if item.PublishedAt != nil {
				fmt.Fprintf(&sb, " (%s)", item.PublishedAt.Format("2006-01-02"))
			}
			sb.WriteString("\n")
			if item.Body != "" {
				fmt.Fprintf(&sb, "  %s\n", item.Body)
			}
		}
	}
	return sb.String()
}

// toSignals validates the reply shape. A record without a known signal type
// or without evidence makes the whole reply malformed. Refs that name no
// context item are dropped, and so is a record left with none.
func (a *llmAgent) toSignals(r reply, raw string, in Input) ([]model.Signal, error) {
	known := contextRefs(in)
	out := make([]model.Signal, 0, len(r.Signals))
	for i, rs := range r.Signals {
		st := model.SignalType(strings.ToLower(strings.TrimSpace(rs.SignalType)))
		switch st {
		case model.SignalRisk, model.SignalOpportunity, model.SignalNeutral:
		default:
			return nil, resilience.NewMalformedOutputError(eris.Errorf("agent: signal %d has invalid signal_type %q", i, rs.SignalType), raw)
		}
		if len(rs.Evidence) == 0 {
			return nil, resilience.NewMalformedOutputError(eris.Errorf("agent: signal %d cites no evidence", i), raw)
		}

		ev, unknown := citedEvidence(rs.Evidence, known)
		if len(unknown) > 0 {
			zap.L().Warn("agent: dropping evidence refs not in context",
				zap.String("agent", a.name),
				zap.Int("signal", i),
				zap.Strings("refs", unknown),
			)
		}
		if len(ev) == 0 {
			continue
		}
		out = append(out, model.Signal{
			Category:    model.Category(strings.ToLower(strings.TrimSpace(rs.Category))),
			SubCategory: rs.SubCategory,
			Type:        st,
			Title:       rs.Title,
			Summary:     rs.Summary,
			Targets:     rs.Targets,
			Evidence:    ev,
			Confidence:  clamp01(rs.Confidence),
		})
	}
	return out, nil
}

// contextRefs maps each case-folded ref in the input to its original form.
func contextRefs(in Input) map[string]string {
	known := make(map[string]string)
	for _, items := range in.Sections {
		for _, item := range items {
			if k := normRef(item.Ref); k != "" {
				known[k] = item.Ref
			}
		}
	}
	return known
}

// citedEvidence keeps refs found in known, once each, in the context's
// spelling. The rest are returned as unknown.
func citedEvidence(refs []string, known map[string]string) ([]model.EvidenceRef, []string) {
	ev := make([]model.EvidenceRef, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	var unknown []string
	for _, ref := range refs {
		k := normRef(ref)
		canonical, ok := known[k]
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		ev = append(ev, model.EvidenceRef{Ref: canonical})
	}
	return ev, unknown
}

func normRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
