package cascade

import (
	"github.com/sells-group/corpsignal/internal/config"
	"github.com/sells-group/corpsignal/internal/consensus"
)

// Deps are the collaborators the configured cascade needs. Cache may be
// nil, which drops the cache layer and write-back.
type Deps struct {
	Caller Caller
	Avail  Availability
	Cache  ProfileCache
	Engine *consensus.Engine
}

// FromConfig assembles the standard six-layer cascade.
func FromConfig(cfg config.CascadeConfig, d Deps) (*Cascade, error) {
	fields := Fields{
		Wanted:   d.Engine.Table().FieldNames(),
		Required: cfg.RequiredFields,
	}

	var layers []Layer
	var opts []Option
	if d.Cache != nil {
		layers = append(layers, NewCacheLayer(d.Cache, cfg.CacheMinConfidence, cfg.CacheHalfLife()))
		opts = append(opts, WithWriteBack(d.Cache, cfg.CacheTTL()))
	}
	layers = append(layers,
		NewPrimaryLayer(d.Caller, cfg.PrimaryProvider, fields, cfg.AcceptConfidence),
		NewValidationLayer(d.Caller, []string{cfg.ValidatorProvider}, d.Avail, d.Engine, fields, cfg.MinResolvedRatio),
		NewSynthesisLayer(d.Caller, cfg.SynthProvider, d.Engine, fields, cfg.MinResolvedRatio),
		NewRuleBasedLayer(d.Engine, fields),
		NewDegradedLayer(fields),
	)
	return New(d.Avail, layers, opts...)
}
