package provider

import (
	"context"
	"time"

	"github.com/sells-group/corpsignal/pkg/anthropic"
	"github.com/sells-group/corpsignal/pkg/gemini"
	"github.com/sells-group/corpsignal/pkg/perplexity"
)

// Perplexity is a web-search provider backed by the Perplexity API.
type Perplexity struct {
	id     string
	model  string
	client perplexity.Client
}

// NewPerplexity creates a Perplexity-backed provider.
func NewPerplexity(id, model string, client perplexity.Client) *Perplexity {
	return &Perplexity{id: id, model: model, client: client}
}

// ID implements Provider.
func (p *Perplexity) ID() string { return p.id }

// Call implements Provider.
func (p *Perplexity) Call(ctx context.Context, req Request) (*Response, error) {
	var msgs []perplexity.Message
	if req.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: req.Prompt})

	n := maxTokens(req)
	start := time.Now()
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   &n,
	})
	if err != nil {
		return nil, err
	}
	return &Response{
		Provider:     p.id,
		Model:        p.model,
		Text:         resp.Text(),
		Citations:    resp.Citations,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		Latency:      time.Since(start),
	}, nil
}

// Claude is a synthesis provider backed by the Anthropic Messages API.
type Claude struct {
	id     string
	model  string
	client anthropic.Client
}

// NewClaude creates an Anthropic-backed provider.
func NewClaude(id, model string, client anthropic.Client) *Claude {
	return &Claude{id: id, model: model, client: client}
}

// ID implements Provider.
func (c *Claude) ID() string { return c.id }

// Call implements Provider.
func (c *Claude) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   int64(maxTokens(req)),
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(c.model, req.Operation)
	return &Response{
		Provider:     c.id,
		Model:        resp.Model,
		Text:         resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      time.Since(start),
	}, nil
}

// Gemini is a validation provider backed by Google GenAI.
type Gemini struct {
	id     string
	model  string
	client gemini.Client
}

// NewGemini creates a Gemini-backed provider.
func NewGemini(id, model string, client gemini.Client) *Gemini {
	return &Gemini{id: id, model: model, client: client}
}

// ID implements Provider.
func (g *Gemini) ID() string { return g.id }

// Call implements Provider.
func (g *Gemini) Call(ctx context.Context, req Request) (*Response, error) {
	gr := gemini.GenerateRequest{
		Model:     g.model,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: int32(maxTokens(req)),
		JSON:      req.JSON,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gr.Temperature = &t
	}

	start := time.Now()
	resp, err := g.client.Generate(ctx, gr)
	if err != nil {
		return nil, err
	}
	return &Response{
		Provider:     g.id,
		Model:        resp.Model,
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Latency:      time.Since(start),
	}, nil
}
