package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Step is one scripted reply: either Text or Err, optionally after Delay.
// When Delay is set the step honours context cancellation.
type Step struct {
	Text      string
	Citations []string
	Err       error
	Delay     time.Duration

	InputTokens  int64
	OutputTokens int64
}

// Scripted is an in-memory provider that replays Steps in order, repeating
// the last one once the script is exhausted. It is safe for concurrent use.
type Scripted struct {
	id string

	mu    sync.Mutex
	steps []Step
	next  int

	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64

	// OnCall, when set, may return a step computed from the request. A
	// false second result falls back to the script.
	OnCall func(req Request) (Step, bool)
}

// NewScripted creates a scripted provider.
func NewScripted(id string, steps ...Step) *Scripted {
	return &Scripted{id: id, steps: steps}
}

// ID implements Provider.
func (s *Scripted) ID() string { return s.id }

// Calls returns how many times Call was invoked.
func (s *Scripted) Calls() int { return int(s.calls.Load()) }

// PeakInFlight returns the highest number of simultaneous calls observed.
func (s *Scripted) PeakInFlight() int { return int(s.peak.Load()) }

// Call implements Provider.
func (s *Scripted) Call(ctx context.Context, req Request) (*Response, error) {
	s.calls.Add(1)
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	step, ok := Step{}, false
	if s.OnCall != nil {
		step, ok = s.OnCall(req)
	}
	if !ok {
		step = s.nextStep()
	}

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{
		Provider:     s.id,
		Model:        "scripted",
		Text:         step.Text,
		Citations:    step.Citations,
		InputTokens:  step.InputTokens,
		OutputTokens: step.OutputTokens,
	}, nil
}

func (s *Scripted) nextStep() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return Step{}
	}
	i := min(s.next, len(s.steps)-1)
	s.next++
	return s.steps[i]
}
