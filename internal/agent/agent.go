// Package agent runs the fixed set of extraction agents for one analysis
// request and merges what they find.
package agent

import (
	"context"
	"time"

	"github.com/sells-group/corpsignal/internal/model"
)

// Status is the lifecycle state of one agent invocation.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// Input is the context subset an agent works from.
type Input struct {
	Entity   model.Entity
	Sections map[string][]model.ContextItem
}

// Agent is one specialized extractor. Implementations must honour ctx and
// emit only categories from their Taxonomy.
type Agent interface {
	Name() string
	Taxonomy() []model.Category
	Timeout() time.Duration
	RequiredSections() []string
	Run(ctx context.Context, in Input) ([]model.Signal, error)
}

// Result is the settled outcome of one agent.
type Result struct {
	Agent    string         `json:"agent"`
	Status   Status         `json:"status"`
	Signals  []model.Signal `json:"-"`
	Emitted  int            `json:"emitted"`
	Dropped  int            `json:"dropped_out_of_taxonomy,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}
