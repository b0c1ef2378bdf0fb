package model

import "time"

// Entity identifies the corporation a request is about.
type Entity struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Industry string `json:"industry,omitempty" yaml:"industry,omitempty"`
	Country  string `json:"country,omitempty" yaml:"country,omitempty"`
}

// Context section names that agents may declare as required input.
const (
	SectionNews        = "news"
	SectionDisclosures = "disclosures"
	SectionIndustry    = "industry_news"
	SectionMacro       = "macro_events"
	SectionRegulation  = "regulations"
	SectionProfile     = "profile_hints"
)

// ContextItem is one piece of upstream context (an article, a filing, a
// macro event) that an agent can reason over.
type ContextItem struct {
	Ref         string     `json:"ref" yaml:"ref"`
	Title       string     `json:"title" yaml:"title"`
	Body        string     `json:"body,omitempty" yaml:"body,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty" yaml:"published_at,omitempty"`
}

// AnalysisContext is the caller-supplied input for one analysis request.
type AnalysisContext struct {
	Entity   Entity                   `json:"entity" yaml:"entity"`
	Sections map[string][]ContextItem `json:"sections" yaml:"sections"`
	// Hints are caller-known profile values (e.g. from a registry filing)
	// used by the rule-based and degraded profile layers.
	Hints map[string]string `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// Subset returns the items of the named sections, skipping empty ones.
// The returned map is nil when none of the sections carry items.
func (c AnalysisContext) Subset(sections []string) map[string][]ContextItem {
	var out map[string][]ContextItem
	for _, s := range sections {
		items := c.Sections[s]
		if len(items) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]ContextItem, len(sections))
		}
		out[s] = items
	}
	return out
}

// RunKind distinguishes the two orchestrated use cases.
type RunKind string

const (
	RunKindExtraction RunKind = "extraction"
	RunKindProfile    RunKind = "profile"
)

// RunStatus represents the final state of an orchestrated run.
type RunStatus string

const (
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusDegraded RunStatus = "degraded"
)

// Run is the audit record of one orchestrated request.
type Run struct {
	ID          string         `json:"id"`
	EntityID    string         `json:"entity_id"`
	Kind        RunKind        `json:"kind"`
	Status      RunStatus      `json:"status"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}
