package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/agent"
	"github.com/sells-group/corpsignal/internal/cascade"
	"github.com/sells-group/corpsignal/internal/config"
	"github.com/sells-group/corpsignal/internal/consensus"
	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/provider"
	"github.com/sells-group/corpsignal/internal/store"
)

// Build wires providers, the resilience layer, agents, consensus and the
// cascade from configuration around st.
func Build(ctx context.Context, cfg *config.Config, st store.Store) (*Pipeline, error) {
	reg, err := provider.Build(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build providers")
	}
	return BuildWithRegistry(cfg, reg, st)
}

// BuildWithRegistry is Build with a prepared provider registry.
func BuildWithRegistry(cfg *config.Config, reg *provider.Registry, st store.Store) (*Pipeline, error) {
	tracker := provider.TrackerFromConfig(cfg)
	lim := provider.LimiterFromConfig(cfg, tracker)
	gw := provider.GatewayFromConfig(cfg, reg, tracker, lim)

	pool, err := agent.NewPool(agent.DefaultAgents(gw, cfg.Agents),
		agent.WithDeadline(time.Duration(cfg.Agents.RequestDeadlineSecs)*time.Second),
		agent.WithGrace(time.Duration(cfg.Agents.GraceMs)*time.Millisecond),
	)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build agent pool")
	}

	table, err := loadFieldTable(cfg.Consensus.FieldsPath)
	if err != nil {
		return nil, err
	}
	engine := consensus.NewEngine(table, consensus.Options{
		SimilarityThreshold: cfg.Consensus.SimilarityThreshold,
		NumericTolerance:    cfg.Consensus.NumericTolerance,
		MinAgreement:        cfg.Consensus.MinAgreement,
	})

	casc, err := cascade.FromConfig(cfg.Cascade, cascade.Deps{
		Caller: gw,
		Avail:  gw,
		Cache:  st,
		Engine: engine,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build cascade")
	}

	return New(Dependencies{
		Tracker: tracker,
		Pool:    pool,
		Cascade: casc,
		Store:   st,
		Costs:   cost.NewCalculator(cfg.Pricing),
	})
}

// loadFieldTable reads the field table. A missing file means equal weights
// and no primary providers.
func loadFieldTable(path string) (*consensus.FieldTable, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zap.L().Warn("pipeline: field table not found, weighing providers equally", zap.String("path", path))
		return nil, nil
	}
	return consensus.LoadFieldTable(path)
}
