package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/pipeline"
	"github.com/sells-group/corpsignal/internal/store"
)

// appEnv holds the store and the pipeline built around it.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates configuration for mode and builds the pipeline.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.Build(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &appEnv{Store: st, Pipeline: p}, nil
}

// loadContext reads an analysis context from a YAML or JSON file. An empty
// path yields an empty context.
func loadContext(path string) (model.AnalysisContext, error) {
	var actx model.AnalysisContext
	if path == "" {
		return actx, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return actx, eris.Wrapf(err, "read context %s", path)
	}
	if err := yaml.Unmarshal(data, &actx); err != nil {
		return actx, eris.Wrapf(err, "parse context %s", path)
	}
	return actx, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
