// Package gemini wraps the Google GenAI generate-content API behind a small
// interface that returns classified errors.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/corpsignal/internal/resilience"
)

const defaultModel = "gemini-2.5-flash"

// Client generates text with a Gemini model.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float32
	MaxTokens   int32
	// JSON asks the model for an application/json response body.
	JSON bool
}

// GenerateResponse carries the model's text reply and its token usage.
// Thinking tokens are billed as output and counted there.
type GenerateResponse struct {
	Text         string
	Model        string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Option configures the client.
type Option func(*genai.ClientConfig)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPClient = hc
	}
}

type sdkClient struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client backed by the GenAI SDK.
func NewClient(ctx context.Context, apiKey, model string, opts ...Option) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client, model: model}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	gc := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), gc)
	if err != nil {
		return nil, classify(eris.Wrap(err, "gemini: generate content"))
	}

	out := &GenerateResponse{Text: resp.Text(), Model: model}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int64(u.PromptTokenCount)
		out.OutputTokens = int64(u.CandidatesTokenCount) + int64(u.ThoughtsTokenCount)
	}
	if out.FinishReason == string(genai.FinishReasonSafety) {
		return nil, resilience.NewPermanentError(eris.New("gemini: response blocked by safety filter"), http.StatusOK)
	}
	return out, nil
}

// classify maps GenAI API errors onto the resilience taxonomy.
func classify(err error) error {
	if code, ok := apiStatus(err); ok {
		return resilience.FromHTTPStatus(err, code, 0)
	}
	if strings.Contains(strings.ToLower(err.Error()), "resource_exhausted") {
		return resilience.NewRateLimitError(err, 0)
	}
	return err
}

func apiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
