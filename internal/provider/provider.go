// Package provider defines the uniform contract for external LLM and search
// providers and the guarded gateway every call goes through.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Request is a single prompt sent to a provider.
type Request struct {
	// Operation names the call site for logs ("agent.direct-impact",
	// "cascade.primary").
	Operation   string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// JSON asks providers that support it for a JSON response body.
	JSON bool
}

// Response is a provider's answer.
type Response struct {
	Provider     string
	Model        string
	Text         string
	Citations    []string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// Provider is an external service that answers prompts. Errors are
// classified with the resilience taxonomy.
type Provider interface {
	ID() string
	Call(ctx context.Context, req Request) (*Response, error)
}

// Registry maps provider IDs to providers. It is populated at startup and
// read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from providers. Duplicate IDs are rejected.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.ID()]; dup {
			return nil, eris.Errorf("provider: duplicate provider id %q", p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r, nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

const defaultMaxTokens = 2048

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}
