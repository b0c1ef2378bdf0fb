package pipeline

import (
	"encoding/json"

	"go.uber.org/zap"
)

// diagnosticsMap flattens a diagnostics struct into the generic map stored
// with a run, using its JSON field names.
func diagnosticsMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("pipeline: encode diagnostics", zap.Error(err))
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		zap.L().Warn("pipeline: decode diagnostics", zap.Error(err))
		return nil
	}
	return m
}
