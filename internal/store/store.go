// Package store persists deduplicated signals, cached profiles and the run
// log. SQLite serves local use; Postgres serves shared deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/model"
)

// Store defines the persistence interface for the orchestrator.
type Store interface {
	// Signals
	SignaturesExist(ctx context.Context, entityID string, signatures []string) (map[string]bool, error)
	SaveSignals(ctx context.Context, entityID string, signals []model.Signal) (int, error)

	// Profile cache
	GetCachedProfile(ctx context.Context, entityID string) (*model.Profile, error)
	SetCachedProfile(ctx context.Context, profile model.Profile, ttl time.Duration) error

	// Runs
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ErrRunNotFound is returned by GetRun for unknown IDs.
var ErrRunNotFound = eris.New("run not found")

// lookupBatch bounds the number of signatures per IN query.
const lookupBatch = 500

func chunks(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
