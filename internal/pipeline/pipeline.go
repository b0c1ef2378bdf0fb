// Package pipeline exposes the two orchestrated use cases: agent-based
// signal extraction and the fallback profile cascade.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/agent"
	"github.com/sells-group/corpsignal/internal/cascade"
	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/resilience"
	"github.com/sells-group/corpsignal/internal/store"
)

// ErrEmptyEntity is returned when a request names no entity.
var ErrEmptyEntity = eris.New("pipeline: entity id is required")

// defaultPersistTimeout bounds store writes issued after the request
// context has ended.
const defaultPersistTimeout = 10 * time.Second

// Dependencies are constructed once at startup and shared by all requests.
type Dependencies struct {
	Tracker *resilience.Tracker
	Pool    *agent.Pool
	Cascade *cascade.Cascade
	Store   store.Store
	// Costs prices provider usage per run. Nil reports tokens without cost.
	Costs *cost.Calculator

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
	// PersistTimeout bounds writes made after the request context is done.
	PersistTimeout time.Duration
}

// Pipeline runs extraction and profile requests. It holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	deps Dependencies
}

// New validates deps and fills defaults.
func New(deps Dependencies) (*Pipeline, error) {
	switch {
	case deps.Pool == nil:
		return nil, eris.New("pipeline: agent pool is required")
	case deps.Cascade == nil:
		return nil, eris.New("pipeline: cascade is required")
	case deps.Store == nil:
		return nil, eris.New("pipeline: store is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = defaultPersistTimeout
	}
	return &Pipeline{deps: deps}, nil
}

// Tracker returns the provider health tracker, which may be nil.
func (p *Pipeline) Tracker() *resilience.Tracker {
	return p.deps.Tracker
}

// Store returns the backing store.
func (p *Pipeline) Store() store.Store {
	return p.deps.Store
}

// providerStatuses snapshots breaker state for diagnostics.
func (p *Pipeline) providerStatuses() []resilience.BreakerStatus {
	if p.deps.Tracker == nil {
		return nil
	}
	return p.deps.Tracker.Statuses()
}

// persistContext detaches store writes from request cancellation so that
// partial results survive a deadline, bounded by PersistTimeout.
func (p *Pipeline) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.deps.PersistTimeout)
}

func (p *Pipeline) saveRun(ctx context.Context, run model.Run, log *zap.Logger) {
	pctx, cancel := p.persistContext(ctx)
	defer cancel()
	if err := p.deps.Store.SaveRun(pctx, run); err != nil {
		log.Warn("pipeline: failed to save run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func normalizeEntity(entityID string, actx *model.AnalysisContext) (string, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return "", ErrEmptyEntity
	}
	actx.Entity.ID = entityID
	if actx.Entity.Name == "" {
		actx.Entity.Name = entityID
	}
	return entityID, nil
}
