package cascade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/provider"
)

// Caller sends a prompt to a provider. *provider.Gateway satisfies it.
type Caller interface {
	Call(ctx context.Context, providerID string, req provider.Request) (*provider.Response, error)
}

const profileSystem = `You research companies for a corporate profile.
Reply with JSON: {"fields":{"<field>":{"value":string or number,"confidence":0..1}},"summary":string}.
Only include fields you can support. Keep values short and factual.`

type fieldAnswer struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type profileReply struct {
	Fields  map[string]fieldAnswer `json:"fields"`
	Summary string                 `json:"summary"`
}

type answer struct {
	candidates []model.FieldCandidate
	summary    string
	citations  []string
}

// ask prompts one provider for the wanted fields and converts the reply
// into candidates. Unrequested and empty fields are dropped.
func ask(ctx context.Context, caller Caller, providerID, operation, prompt string, want []string, at time.Time) (answer, error) {
	resp, err := caller.Call(ctx, providerID, provider.Request{
		Operation: operation,
		System:    profileSystem,
		Prompt:    prompt,
		JSON:      true,
	})
	if err != nil {
		return answer{}, eris.Wrapf(err, "cascade: %s via %s", operation, providerID)
	}

	var r profileReply
	if err := provider.ExtractJSON(resp.Text, &r); err != nil {
		return answer{}, eris.Wrapf(err, "cascade: %s via %s", operation, providerID)
	}

	wanted := make(map[string]bool, len(want))
	for _, f := range want {
		wanted[f] = true
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := answer{summary: r.Summary, citations: resp.Citations}
	for _, name := range names {
		a := r.Fields[name]
		if !wanted[name] || strings.TrimSpace(model.ValueString(a.Value)) == "" {
			continue
		}
		out.candidates = append(out.candidates, model.FieldCandidate{
			Field:       name,
			Value:       a.Value,
			Source:      providerID,
			Confidence:  max(0, min(1, a.Confidence)),
			ExtractedAt: at,
		})
	}
	return out, nil
}

// profilePrompt renders the entity, the wanted fields, caller hints and
// the claims gathered so far. withContext adds the context item titles.
func profilePrompt(req Request, fields []string, prior []model.FieldCandidate, withContext bool) string {
	var sb strings.Builder
	e := req.Context.Entity
	fmt.Fprintf(&sb, "Company: %s\n", e.Name)
	if e.Industry != "" {
		fmt.Fprintf(&sb, "Industry: %s\n", e.Industry)
	}
	if e.Country != "" {
		fmt.Fprintf(&sb, "Country: %s\n", e.Country)
	}
	fmt.Fprintf(&sb, "Fields: %s\n", strings.Join(fields, ", "))

	if len(req.Context.Hints) > 0 {
		keys := make([]string, 0, len(req.Context.Hints))
		for k := range req.Context.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nKnown from filings:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, req.Context.Hints[k])
		}
	}

	if len(prior) > 0 {
		sb.WriteString("\nClaims so far (verify or correct):\n")
		for _, c := range prior {
			fmt.Fprintf(&sb, "- %s: %s (%s, confidence %.2f)\n", c.Field, model.ValueString(c.Value), c.Source, c.Confidence)
		}
	}

	if withContext {
		sections := make([]string, 0, len(req.Context.Sections))
		for s := range req.Context.Sections {
			sections = append(sections, s)
		}
		sort.Strings(sections)
		for _, s := range sections {
			fmt.Fprintf(&sb, "\n## %s\n", s)
			for _, item := range req.Context.Sections[s] {
				fmt.Fprintf(&sb, "- [ref=%s] %s\n", item.Ref, item.Title)
			}
		}
	}
	return sb.String()
}
