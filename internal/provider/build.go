package provider

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/config"
	"github.com/sells-group/corpsignal/internal/limiter"
	"github.com/sells-group/corpsignal/internal/resilience"
	"github.com/sells-group/corpsignal/pkg/anthropic"
	"github.com/sells-group/corpsignal/pkg/gemini"
	"github.com/sells-group/corpsignal/pkg/perplexity"
)

// Build constructs one provider per configured entry, choosing the backend
// by kind.
func Build(ctx context.Context, cfg *config.Config) (*Registry, error) {
	var providers []Provider
	for _, id := range cfg.ProviderIDs() {
		pc := cfg.Providers[id]
		switch pc.Kind {
		case config.KindPerplexity:
			var opts []perplexity.Option
			if cfg.Perplexity.BaseURL != "" {
				opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
			}
			if pc.Model != "" {
				opts = append(opts, perplexity.WithModel(pc.Model))
			}
			providers = append(providers, NewPerplexity(id, pc.Model, perplexity.NewClient(cfg.Perplexity.Key, opts...)))
		case config.KindAnthropic:
			var opts []option.RequestOption
			if cfg.Anthropic.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
			}
			providers = append(providers, NewClaude(id, pc.Model, anthropic.NewClient(cfg.Anthropic.Key, opts...)))
		case config.KindGemini:
			var opts []gemini.Option
			if cfg.Gemini.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
			}
			client, err := gemini.NewClient(ctx, cfg.Gemini.Key, pc.Model, opts...)
			if err != nil {
				return nil, eris.Wrapf(err, "provider: build %s", id)
			}
			providers = append(providers, NewGemini(id, pc.Model, client))
		default:
			return nil, eris.Errorf("provider: unknown kind %q for %s", pc.Kind, id)
		}
	}
	return NewRegistry(providers...)
}

// TrackerFromConfig creates the health tracker for every configured provider.
func TrackerFromConfig(cfg *config.Config) *resilience.Tracker {
	configs := make(map[string]resilience.CircuitBreakerConfig, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		configs[id] = resilience.FromCircuitConfig(pc.FailureThreshold, pc.CooldownSecs, pc.HalfOpenTrials)
	}
	return resilience.NewTracker(configs)
}

// LimiterFromConfig creates the concurrency limiter for every configured
// provider, gated by tracker.
func LimiterFromConfig(cfg *config.Config, tracker *resilience.Tracker) *limiter.Limiter {
	limits := make(map[string]limiter.ProviderLimits, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		limits[id] = limiter.ProviderLimits{MaxConcurrent: pc.MaxConcurrent, RequestsPerSec: pc.RequestsPerSec}
	}
	return limiter.New(limits, tracker)
}

// GatewayFromConfig wires registry, tracker and limiter into a Gateway with
// the configured retry policy and per-provider timeouts.
func GatewayFromConfig(cfg *config.Config, reg *Registry, tracker *resilience.Tracker, lim *limiter.Limiter) *Gateway {
	timeouts := make(map[string]time.Duration, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		timeouts[id] = pc.Timeout()
	}
	rc := cfg.Retry
	retry := resilience.FromRetryConfig(rc.MaxAttempts, rc.InitialBackoffMs, rc.MaxBackoffMs, rc.Multiplier, rc.JitterFraction)
	return NewGateway(reg, tracker, lim, retry, timeouts)
}
