// Package cascade runs the ordered profile strategies for one entity and
// stops at the first layer that produces an acceptable result.
package cascade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/model"
)

// Request is one profile request.
type Request struct {
	EntityID string
	Context  model.AnalysisContext
}

// Rejection records why a layer fell through.
type Rejection struct {
	Layer  model.FallbackLayer `json:"layer"`
	Reason string              `json:"reason"`
}

// Accumulated is what earlier layers learned. Later layers build on it.
type Accumulated struct {
	Candidates []model.FieldCandidate
	Rejections []Rejection
}

// Verdict is a layer's decision: an accepted Result, or a rejection reason.
type Verdict struct {
	Result Result
	Reason string
}

// Accept wraps an accepted result.
func Accept(r Result) Verdict { return Verdict{Result: r} }

// Reject builds a rejection verdict.
func Reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Layer is one strategy of the cascade.
type Layer interface {
	Kind() model.FallbackLayer
	// Providers lists the providers the layer calls. The layer is skipped
	// when none of them is available. Nil means the layer needs none.
	Providers() []string
	Attempt(ctx context.Context, req Request, acc *Accumulated) (Verdict, error)
}

// Availability reports provider health. *provider.Gateway satisfies it.
type Availability interface {
	Available(providerID string) bool
}

// ProfileCache reads and writes cached profiles. store.Store satisfies it.
type ProfileCache interface {
	GetCachedProfile(ctx context.Context, entityID string) (*model.Profile, error)
	SetCachedProfile(ctx context.Context, profile model.Profile, ttl time.Duration) error
}

// writeBackTimeout bounds the cache write after the request has been
// answered or cancelled.
const writeBackTimeout = 5 * time.Second

// Layer outcomes recorded in diagnostics.
type LayerStatus string

const (
	StatusSkipped  LayerStatus = "skipped"
	StatusRejected LayerStatus = "rejected"
	StatusAccepted LayerStatus = "accepted"
)

// LayerAttempt is the diagnostic record of one layer.
type LayerAttempt struct {
	Layer      model.FallbackLayer `json:"layer"`
	Status     LayerStatus         `json:"status"`
	Providers  []string            `json:"providers,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// Diagnostics explains how a profile was produced.
type Diagnostics struct {
	Layers   []LayerAttempt      `json:"layers"`
	Accepted model.FallbackLayer `json:"accepted"`
	CacheErr string              `json:"cache_error,omitempty"`
}

// Cascade drives layers in ascending priority.
type Cascade struct {
	layers []Layer
	avail  Availability
	cache  ProfileCache
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Cascade.
type Option func(*Cascade)

// WithWriteBack stores accepted provider-derived profiles in cache for ttl.
func WithWriteBack(cache ProfileCache, ttl time.Duration) Option {
	return func(c *Cascade) {
		c.cache = cache
		c.ttl = ttl
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cascade) { c.now = now }
}

// New builds a cascade. Layers must be in strictly ascending priority and
// end with the degraded layer, which always accepts.
func New(avail Availability, layers []Layer, opts ...Option) (*Cascade, error) {
	if len(layers) == 0 {
		return nil, eris.New("cascade: no layers")
	}
	for i := 1; i < len(layers); i++ {
		if layers[i].Kind() <= layers[i-1].Kind() {
			return nil, eris.Errorf("cascade: layer %s is out of order after %s", layers[i].Kind(), layers[i-1].Kind())
		}
	}
	last := layers[len(layers)-1]
	if last.Kind() != model.LayerDegraded || len(last.Providers()) > 0 {
		return nil, eris.New("cascade: last layer must be a provider-free degraded layer")
	}

	c := &Cascade{layers: layers, avail: avail, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run executes the cascade. It always returns a profile: the degraded layer
// accepts unconditionally, and a failing degraded layer is replaced by a
// minimal result.
func (c *Cascade) Run(ctx context.Context, req Request) (model.Profile, Diagnostics) {
	acc := &Accumulated{}
	var diag Diagnostics

	for _, l := range c.layers {
		providers := l.Providers()
		if reason, skip := c.skipReason(ctx, providers); skip {
			diag.Layers = append(diag.Layers, LayerAttempt{Layer: l.Kind(), Status: StatusSkipped, Providers: providers, Reason: reason})
			zap.L().Debug("cascade: layer skipped",
				zap.String("entity_id", req.EntityID),
				zap.Stringer("layer", l.Kind()),
				zap.String("reason", reason),
			)
			continue
		}

		start := time.Now()
		v, err := safeAttempt(ctx, l, req, acc)
		elapsed := time.Since(start)
		if err != nil {
			v = Reject("error: %v", err)
		}
		if v.Result == nil {
			if v.Reason == "" {
				v.Reason = "no result"
			}
			acc.Rejections = append(acc.Rejections, Rejection{Layer: l.Kind(), Reason: v.Reason})
			diag.Layers = append(diag.Layers, LayerAttempt{
				Layer: l.Kind(), Status: StatusRejected, Providers: providers,
				Reason: v.Reason, DurationMs: elapsed.Milliseconds(),
			})
			zap.L().Info("cascade: layer rejected",
				zap.String("entity_id", req.EntityID),
				zap.Stringer("layer", l.Kind()),
				zap.String("reason", v.Reason),
				zap.Duration("elapsed", elapsed),
			)
			continue
		}

		diag.Layers = append(diag.Layers, LayerAttempt{
			Layer: l.Kind(), Status: StatusAccepted, Providers: providers,
			DurationMs: elapsed.Milliseconds(),
		})
		return c.accept(ctx, req, v.Result, acc, &diag), diag
	}

	// Only reachable when the degraded layer itself failed.
	res := DegradedResult{Fields: unresolved(nil), Reason: "degraded layer failed: " + joinRejections(acc.Rejections)}
	diag.Layers = append(diag.Layers, LayerAttempt{Layer: model.LayerDegraded, Status: StatusAccepted, Reason: "fallback"})
	return c.accept(ctx, req, res, acc, &diag), diag
}

func (c *Cascade) accept(ctx context.Context, req Request, res Result, acc *Accumulated, diag *Diagnostics) model.Profile {
	p := res.Profile(req.Context.Entity, c.now().UTC())
	p.EntityID = req.EntityID
	p.Layer = res.Layer()
	diag.Accepted = p.Layer

	if p.Layer == model.LayerDegraded {
		zap.L().Warn("cascade: degraded result",
			zap.String("entity_id", req.EntityID),
			zap.String("rejections", joinRejections(acc.Rejections)),
		)
	}

	if c.cache != nil && p.Layer > model.LayerCache && p.Layer < model.LayerRuleBased {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
		defer cancel()
		if err := c.cache.SetCachedProfile(wctx, p, c.ttl); err != nil {
			diag.CacheErr = err.Error()
			zap.L().Warn("cascade: cache write-back failed",
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
		}
	}
	return p
}

func (c *Cascade) skipReason(ctx context.Context, providers []string) (string, bool) {
	if len(providers) == 0 {
		return "", false
	}
	if err := ctx.Err(); err != nil {
		return "request ended: " + err.Error(), true
	}
	if c.avail == nil {
		return "", false
	}
	for _, p := range providers {
		if c.avail.Available(p) {
			return "", false
		}
	}
	return "provider unavailable: " + strings.Join(providers, ","), true
}

func safeAttempt(ctx context.Context, l Layer, req Request, acc *Accumulated) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("cascade: layer %s panicked: %v", l.Kind(), r)
		}
	}()
	return l.Attempt(ctx, req, acc)
}

func joinRejections(rs []Rejection) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.Layer.String() + ": " + r.Reason
	}
	return strings.Join(parts, "; ")
}
