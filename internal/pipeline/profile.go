package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/cascade"
	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/resilience"
)

// ProfileResult is the accepted profile and how the cascade reached it.
type ProfileResult struct {
	RunID       string                     `json:"run_id"`
	Profile     model.Profile              `json:"profile"`
	Diagnostics cascade.Diagnostics        `json:"diagnostics"`
	Providers   []resilience.BreakerStatus `json:"providers,omitempty"`
	Usage       []cost.Usage               `json:"usage,omitempty"`
	CostUSD     float64                    `json:"cost_usd"`
}

// RunFallbackProfile runs the cascade for one entity. It always returns a
// profile; the layer tells the caller how much to trust it. An empty
// entity ID yields a degraded profile without consulting any layer.
func (p *Pipeline) RunFallbackProfile(ctx context.Context, entityID string, actx model.AnalysisContext) (ProfileResult, model.FallbackLayer) {
	started := p.deps.Now().UTC()
	res := ProfileResult{RunID: p.deps.NewID()}

	entityID, err := normalizeEntity(entityID, &actx)
	if err != nil {
		res.Profile = model.Profile{Layer: model.LayerDegraded, Summary: err.Error(), GeneratedAt: started}
		res.Diagnostics = cascade.Diagnostics{Accepted: model.LayerDegraded}
		zap.L().Warn("pipeline: profile requested without entity id")
		return res, model.LayerDegraded
	}

	log := zap.L().With(zap.String("entity_id", entityID), zap.String("run_id", res.RunID))
	log.Info("pipeline: starting profile")

	ledger := cost.NewLedger(p.deps.Costs)
	res.Profile, res.Diagnostics = p.deps.Cascade.Run(cost.WithLedger(ctx, ledger), cascade.Request{EntityID: entityID, Context: actx})
	res.Providers = p.providerStatuses()
	res.Usage = ledger.Snapshot()
	res.CostUSD = ledger.Total()
	layer := res.Profile.Layer

	finished := p.deps.Now().UTC()
	status := profileStatus(layer)
	log.Info("pipeline: profile complete",
		zap.Stringer("layer", layer),
		zap.String("status", string(status)),
		zap.Float64("confidence", res.Profile.Confidence),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int64("duration_ms", finished.Sub(started).Milliseconds()),
	)

	p.saveRun(ctx, model.Run{
		ID:          res.RunID,
		EntityID:    entityID,
		Kind:        model.RunKindProfile,
		Status:      status,
		Diagnostics: diagnosticsMap(res.Diagnostics),
		StartedAt:   started,
		FinishedAt:  finished,
	}, log)

	return res, layer
}

func profileStatus(layer model.FallbackLayer) model.RunStatus {
	switch {
	case layer >= model.LayerDegraded:
		return model.RunStatusDegraded
	case layer == model.LayerRuleBased:
		return model.RunStatusPartial
	default:
		return model.RunStatusComplete
	}
}
