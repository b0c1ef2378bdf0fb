package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/agent"
	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/crossval"
	"github.com/sells-group/corpsignal/internal/dedup"
	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/resilience"
)

// ExtractionResult is the deduplicated output of one extraction request.
type ExtractionResult struct {
	RunID       string                `json:"run_id"`
	EntityID    string                `json:"entity_id"`
	Signals     []model.Signal        `json:"signals"`
	Conflicts   []model.Conflict      `json:"conflicts,omitempty"`
	Diagnostics ExtractionDiagnostics `json:"diagnostics"`
}

// ExtractionDiagnostics explains how the result was produced.
type ExtractionDiagnostics struct {
	Status            model.RunStatus            `json:"status"`
	Agents            []agent.Result             `json:"agents"`
	DeadlineExceeded  bool                       `json:"deadline_exceeded,omitempty"`
	Candidates        int                        `json:"candidates"`
	DuplicatesInBatch int                        `json:"duplicates_in_batch"`
	DuplicatesInStore int                        `json:"duplicates_in_store"`
	Persisted         int                        `json:"persisted"`
	StoreErrors       []string                   `json:"store_errors,omitempty"`
	Providers         []resilience.BreakerStatus `json:"providers,omitempty"`
	Usage             []cost.Usage               `json:"usage,omitempty"`
	CostUSD           float64                    `json:"cost_usd"`
	DurationMs        int64                      `json:"duration_ms"`
}

// RunAgentExtraction fans the context out to every agent, removes
// duplicates within the batch and against the store, links contradicting
// survivors, and persists what is new. Agent and store failures degrade
// the result and are reported in diagnostics. The only error is
// ErrEmptyEntity.
func (p *Pipeline) RunAgentExtraction(ctx context.Context, entityID string, actx model.AnalysisContext) (ExtractionResult, error) {
	entityID, err := normalizeEntity(entityID, &actx)
	if err != nil {
		return ExtractionResult{}, err
	}

	started := p.deps.Now().UTC()
	res := ExtractionResult{RunID: p.deps.NewID(), EntityID: entityID}
	log := zap.L().With(zap.String("entity_id", entityID), zap.String("run_id", res.RunID))
	log.Info("pipeline: starting extraction")

	ledger := cost.NewLedger(p.deps.Costs)
	out := p.deps.Pool.Run(cost.WithLedger(ctx, ledger), actx)
	diag := &res.Diagnostics
	diag.Agents = out.Results
	diag.DeadlineExceeded = out.DeadlineExceeded
	diag.Candidates = len(out.Signals)

	signals := make([]model.Signal, len(out.Signals))
	copy(signals, out.Signals)
	dedup.Stamp(signals)
	signals, diag.DuplicatesInBatch = dedup.WithinBatch(signals)

	pctx, cancel := p.persistContext(ctx)
	defer cancel()

	signals, diag.DuplicatesInStore, err = dedup.AgainstStore(pctx, p.deps.Store, entityID, signals)
	if err != nil {
		diag.StoreErrors = append(diag.StoreErrors, err.Error())
		log.Warn("pipeline: store lookup failed, keeping unfiltered batch", zap.Error(err))
	}

	// Conflicts are linked on the survivors so every conflict names only
	// signals that are returned and persisted.
	report := crossval.Detect(signals)
	signals = report.Signals
	res.Conflicts = report.Conflicts

	if len(signals) > 0 {
		n, saveErr := p.deps.Store.SaveSignals(pctx, entityID, signals)
		if saveErr != nil {
			diag.StoreErrors = append(diag.StoreErrors, saveErr.Error())
			log.Warn("pipeline: failed to persist signals", zap.Error(saveErr))
		}
		diag.Persisted = n
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	res.Signals = signals

	diag.Status = extractionStatus(out, len(diag.StoreErrors) > 0)
	diag.Providers = p.providerStatuses()
	diag.Usage = ledger.Snapshot()
	diag.CostUSD = ledger.Total()
	finished := p.deps.Now().UTC()
	diag.DurationMs = finished.Sub(started).Milliseconds()

	fields := []zap.Field{
		zap.String("status", string(diag.Status)),
		zap.Int("agents_succeeded", out.Succeeded()),
		zap.Int("signals", len(res.Signals)),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("duplicates_in_batch", diag.DuplicatesInBatch),
		zap.Int("duplicates_in_store", diag.DuplicatesInStore),
		zap.Int64("duration_ms", diag.DurationMs),
	}
	if diag.Status == model.RunStatusDegraded {
		log.Warn("pipeline: extraction degraded", fields...)
	} else {
		log.Info("pipeline: extraction complete", fields...)
	}

	p.saveRun(ctx, model.Run{
		ID:          res.RunID,
		EntityID:    entityID,
		Kind:        model.RunKindExtraction,
		Status:      diag.Status,
		Diagnostics: diagnosticsMap(diag),
		StartedAt:   started,
		FinishedAt:  finished,
	}, log)

	return res, nil
}

// extractionStatus is degraded when no agent succeeded and partial when
// any agent or store step fell short.
func extractionStatus(out agent.Outcome, storeFailed bool) model.RunStatus {
	ok := out.Succeeded()
	switch {
	case ok == 0:
		return model.RunStatusDegraded
	case ok < len(out.Results) || out.DeadlineExceeded || storeFailed:
		return model.RunStatusPartial
	default:
		return model.RunStatusComplete
	}
}
