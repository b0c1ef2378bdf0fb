package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/limiter"
	"github.com/sells-group/corpsignal/internal/resilience"
)

// ErrUnavailable is returned when a provider's breaker rejects the call.
// It is never retried.
var ErrUnavailable = limiter.ErrUnavailable

const defaultTimeout = 30 * time.Second

// Gateway is the single path to external providers. Each attempt acquires a
// concurrency slot, passes breaker admission, runs under the provider's
// timeout and records its outcome exactly once. Transient and rate-limited
// failures are retried with backoff.
type Gateway struct {
	registry *Registry
	tracker  *resilience.Tracker
	limiter  *limiter.Limiter
	retry    resilience.RetryConfig
	timeouts map[string]time.Duration
}

// NewGateway creates a Gateway. Providers without a timeout entry use 30s.
func NewGateway(reg *Registry, tracker *resilience.Tracker, lim *limiter.Limiter, retry resilience.RetryConfig, timeouts map[string]time.Duration) *Gateway {
	if timeouts == nil {
		timeouts = map[string]time.Duration{}
	}
	return &Gateway{registry: reg, tracker: tracker, limiter: lim, retry: retry, timeouts: timeouts}
}

// Available reports whether providerID would currently admit a call. It
// does not reserve anything.
func (g *Gateway) Available(providerID string) bool {
	if _, ok := g.registry.Get(providerID); !ok {
		return false
	}
	return g.tracker.Allows(providerID)
}

// Tracker returns the health tracker guarding the gateway's providers.
func (g *Gateway) Tracker() *resilience.Tracker {
	return g.tracker
}

// Call sends req to providerID.
func (g *Gateway) Call(ctx context.Context, providerID string, req Request) (*Response, error) {
	p, ok := g.registry.Get(providerID)
	if !ok {
		return nil, eris.Wrapf(resilience.ErrUnknownProvider, "provider: %s", providerID)
	}
	cb, ok := g.tracker.Get(providerID)
	if !ok {
		return nil, eris.Wrapf(resilience.ErrUnknownProvider, "provider: no breaker for %s", providerID)
	}

	cfg := g.retry
	cfg.OnRetry = resilience.RetryLogger(providerID, req.Operation)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Response, error) {
		return g.attempt(ctx, p, cb, req)
	})
}

func (g *Gateway) attempt(ctx context.Context, p Provider, cb *resilience.CircuitBreaker, req Request) (*Response, error) {
	id := p.ID()

	release, err := g.limiter.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	// The breaker may have opened while we queued for a slot.
	if !cb.IsAvailable() {
		return nil, eris.Wrapf(ErrUnavailable, "provider: %s", id)
	}

	timeout := g.timeouts[id]
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := safeCall(callCtx, p, req)
	if err == nil && resp == nil {
		err = resilience.NewMalformedOutputError(eris.Errorf("provider: %s returned no response", id), "")
	}
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		err = eris.Wrapf(context.DeadlineExceeded, "provider: %s timed out after %s: %v", id, timeout, err)
	}
	cb.Record(ctx, err)

	switch resilience.Classify(err) {
	case resilience.ClassNone:
		g.limiter.OnSuccess(id)
	case resilience.ClassRateLimited:
		g.limiter.OnRateLimited(id)
	}

	if err != nil {
		zap.L().Debug("provider: call failed",
			zap.String("provider", id),
			zap.String("operation", req.Operation),
			zap.String("class", string(resilience.Classify(err))),
			zap.Error(err),
		)
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = id
	}
	cost.FromContext(ctx).Record(id, resp.Model, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// safeCall converts a provider panic into a permanent error so the breaker
// sees it as a failure and the slot is still released.
func safeCall(ctx context.Context, p Provider, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = resilience.NewPermanentError(eris.Errorf("provider: %s panicked: %v", p.ID(), r), 0)
		}
	}()
	return p.Call(ctx, req)
}

// IsUnavailable reports whether err means the provider was skipped because
// its breaker rejected the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, resilience.ErrCircuitOpen)
}
