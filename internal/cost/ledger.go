package cost

import (
	"context"
	"sort"
	"sync"
)

// Usage is the accumulated spend on one provider.
type Usage struct {
	Provider     string  `json:"provider"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Ledger accumulates usage for a single run. A nil Ledger ignores records.
type Ledger struct {
	calc *Calculator

	mu    sync.Mutex
	usage map[string]*Usage
}

// NewLedger creates a Ledger priced by calc.
func NewLedger(calc *Calculator) *Ledger {
	return &Ledger{calc: calc, usage: make(map[string]*Usage)}
}

// Record adds one successful call.
func (l *Ledger) Record(provider, model string, input, output int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[provider]
	if !ok {
		u = &Usage{Provider: provider}
		l.usage[provider] = u
	}
	u.Calls++
	u.InputTokens += input
	u.OutputTokens += output
	u.CostUSD += l.calc.Call(model, input, output)
}

// Snapshot returns usage sorted by provider.
func (l *Ledger) Snapshot() []Usage {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Usage, 0, len(l.usage))
	for _, u := range l.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Total returns the summed cost.
func (l *Ledger) Total() float64 {
	var total float64
	for _, u := range l.Snapshot() {
		total += u.CostUSD
	}
	return total
}

type ledgerKey struct{}

// WithLedger attaches l to ctx.
func WithLedger(ctx context.Context, l *Ledger) context.Context {
	return context.WithValue(ctx, ledgerKey{}, l)
}

// FromContext returns the ledger attached to ctx, or nil.
func FromContext(ctx context.Context) *Ledger {
	l, _ := ctx.Value(ledgerKey{}).(*Ledger)
	return l
}
