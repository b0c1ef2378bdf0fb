package agent

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpsignal/internal/model"
)

// Pool launches every agent concurrently for one request. The agent set and
// its declaration order are fixed at construction; the order determines how
// successful outputs are concatenated.
type Pool struct {
	agents      []Agent
	deadline    time.Duration
	grace       time.Duration
	maxParallel int
	now         func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithDeadline bounds a whole Run. Zero means only the caller's context
// bounds it.
func WithDeadline(d time.Duration) Option {
	return func(p *Pool) { p.deadline = d }
}

// WithGrace sets how long Run waits for in-flight agents to observe
// cancellation after the deadline before sealing results.
func WithGrace(d time.Duration) Option {
	return func(p *Pool) { p.grace = d }
}

// WithMaxParallel bounds how many agents run at once. Zero runs all.
func WithMaxParallel(n int) Option {
	return func(p *Pool) { p.maxParallel = n }
}

// NewPool validates the agent set. Names must be unique and taxonomies
// pairwise disjoint.
func NewPool(agents []Agent, opts ...Option) (*Pool, error) {
	names := make(map[string]bool, len(agents))
	owner := make(map[model.Category]string)
	for _, a := range agents {
		if names[a.Name()] {
			return nil, eris.Errorf("agent: duplicate agent name %q", a.Name())
		}
		names[a.Name()] = true
		for _, c := range a.Taxonomy() {
			if prev, ok := owner[c]; ok {
				return nil, eris.Errorf("agent: category %q claimed by both %s and %s", c, prev, a.Name())
			}
			owner[c] = a.Name()
		}
	}

	p := &Pool{agents: agents, grace: 500 * time.Millisecond, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Agents returns the agents in declaration order.
func (p *Pool) Agents() []Agent {
	return p.agents
}

// Outcome is the merged result of one Run.
type Outcome struct {
	// Results holds one entry per agent in declaration order.
	Results []Result
	// Signals concatenates successful agents' signals in declaration order.
	Signals []model.Signal
	// DeadlineExceeded is set when the run was cut short by the deadline or
	// by caller cancellation.
	DeadlineExceeded bool
}

// Succeeded returns the number of agents that finished successfully.
func (o Outcome) Succeeded() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// Run fans out to all agents and returns once every agent has settled, or
// within the grace period after the deadline. It never returns an error:
// per-agent faults are reported in Results.
func (p *Pool) Run(ctx context.Context, actx model.AnalysisContext) Outcome {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if p.deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make([]Result, len(p.agents))
	var (
		mu     sync.Mutex
		sealed bool
	)
	update := func(i int, fn func(r *Result)) {
		mu.Lock()
		defer mu.Unlock()
		if !sealed {
			fn(&results[i])
		}
	}

	var slots chan struct{}
	if p.maxParallel > 0 {
		slots = make(chan struct{}, p.maxParallel)
	}

	var g errgroup.Group
	for i, a := range p.agents {
		results[i] = Result{Agent: a.Name(), Status: StatusPending}

		subset := actx.Subset(a.RequiredSections())
		if subset == nil {
			results[i].Status = StatusSkipped
			results[i].Error = "no relevant context"
			continue
		}
		in := Input{Entity: actx.Entity, Sections: subset}

		g.Go(func() error {
			if slots != nil {
				select {
				case slots <- struct{}{}:
					defer func() { <-slots }()
				case <-runCtx.Done():
					return nil
				}
			}
			if runCtx.Err() != nil {
				return nil
			}
			update(i, func(r *Result) { r.Status = StatusRunning })
			r := p.invoke(runCtx, a, in, actx.Entity.ID)
			update(i, func(dst *Result) { *dst = r })
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		t := time.NewTimer(p.grace)
		select {
		case <-done:
		case <-t.C:
			zap.L().Warn("agent: grace period elapsed with agents still running",
				zap.String("entity_id", actx.Entity.ID),
				zap.Duration("grace", p.grace),
			)
		}
		t.Stop()
	}

	mu.Lock()
	sealed = true
	out := Outcome{Results: make([]Result, len(results)), DeadlineExceeded: runCtx.Err() != nil}
	copy(out.Results, results)
	mu.Unlock()

	for i := range out.Results {
		r := &out.Results[i]
		switch r.Status {
		case StatusPending:
			r.Status = StatusSkipped
			r.Error = "request deadline expired before start"
		case StatusRunning:
			r.Status = StatusTimeout
			r.Error = "request deadline expired"
		case StatusSuccess:
			out.Signals = append(out.Signals, r.Signals...)
		}
		zap.L().Info("agent: settled",
			zap.String("entity_id", actx.Entity.ID),
			zap.String("agent", r.Agent),
			zap.String("status", string(r.Status)),
			zap.Int("signals", len(r.Signals)),
			zap.Duration("duration", r.Duration),
			zap.String("error", r.Error),
		)
	}
	return out
}

// invoke runs one agent under its own timeout and classifies the outcome.
func (p *Pool) invoke(ctx context.Context, a Agent, in Input, entityID string) Result {
	start := p.now()
	res := Result{Agent: a.Name()}

	actx := ctx
	if to := a.Timeout(); to > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}

	signals, err := safeRun(actx, a, in)
	res.Duration = p.now().Sub(start)

	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Emitted = len(signals)
		res.Signals, res.Dropped = p.admit(a, entityID, signals)
		if res.Dropped > 0 {
			zap.L().Warn("agent: dropped signals outside declared taxonomy",
				zap.String("agent", a.Name()),
				zap.Int("dropped", res.Dropped),
			)
		}
	case actx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Error = err.Error()
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	return res
}

// admit filters signals to the agent's taxonomy and stamps provenance.
func (p *Pool) admit(a Agent, entityID string, signals []model.Signal) ([]model.Signal, int) {
	allowed := make(map[model.Category]bool, len(a.Taxonomy()))
	for _, c := range a.Taxonomy() {
		allowed[c] = true
	}

	now := p.now().UTC()
	out := make([]model.Signal, 0, len(signals))
	dropped := 0
	for _, s := range signals {
		if !allowed[s.Category] {
			dropped++
			continue
		}
		s.Agent = a.Name()
		s.EntityID = entityID
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.ExtractedAt.IsZero() {
			s.ExtractedAt = now
		}
		out = append(out, s)
	}
	return out, dropped
}

func safeRun(ctx context.Context, a Agent, in Input) (signals []model.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("agent: panic recovered",
				zap.String("agent", a.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			signals = nil
			err = eris.Errorf("agent: %s panicked: %v", a.Name(), r)
		}
	}()
	return a.Run(ctx, in)
}
