package resilience

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrUnknownProvider is returned for provider IDs that were not configured.
var ErrUnknownProvider = eris.New("unknown provider")

// Tracker holds one circuit breaker per configured provider. The provider
// set is fixed at construction, so lookups need no locking.
type Tracker struct {
	breakers map[string]*CircuitBreaker
}

// NewTracker creates breakers for every configured provider.
func NewTracker(configs map[string]CircuitBreakerConfig) *Tracker {
	t := &Tracker{breakers: make(map[string]*CircuitBreaker, len(configs))}
	for id, cfg := range configs {
		if cfg.OnStateChange == nil {
			cfg.OnStateChange = LogStateChange
		}
		t.breakers[id] = NewCircuitBreaker(id, cfg)
	}
	return t
}

// Get returns the breaker for provider.
func (t *Tracker) Get(provider string) (*CircuitBreaker, bool) {
	cb, ok := t.breakers[provider]
	return cb, ok
}

// IsAvailable is the admission check for provider. Unknown providers are
// never available.
func (t *Tracker) IsAvailable(provider string) bool {
	cb, ok := t.breakers[provider]
	return ok && cb.IsAvailable()
}

// Allows is the non-reserving variant of IsAvailable for pre-checks.
func (t *Tracker) Allows(provider string) bool {
	cb, ok := t.breakers[provider]
	return ok && cb.Allows()
}

// RecordSuccess records a successful call to provider.
func (t *Tracker) RecordSuccess(provider string) {
	if cb, ok := t.breakers[provider]; ok {
		cb.RecordSuccess()
	}
}

// RecordFailure records a failed call to provider.
func (t *Tracker) RecordFailure(provider string, reason error) {
	if cb, ok := t.breakers[provider]; ok {
		cb.RecordFailure(reason)
	}
}

// Reset forces provider's breaker closed.
func (t *Tracker) Reset(provider string) error {
	cb, ok := t.breakers[provider]
	if !ok {
		return eris.Wrapf(ErrUnknownProvider, "reset %s", provider)
	}
	cb.Reset()
	zap.L().Info("resilience: breaker manually reset", zap.String("provider", provider))
	return nil
}

// Status returns the status of a single provider's breaker.
func (t *Tracker) Status(provider string) (BreakerStatus, error) {
	cb, ok := t.breakers[provider]
	if !ok {
		return BreakerStatus{}, eris.Wrapf(ErrUnknownProvider, "status %s", provider)
	}
	return cb.Status(), nil
}

// Statuses returns a snapshot of all breakers ordered by provider ID.
func (t *Tracker) Statuses() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(t.breakers))
	for _, cb := range t.breakers {
		out = append(out, cb.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Providers returns the configured provider IDs in sorted order.
func (t *Tracker) Providers() []string {
	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LogStateChange is the default OnStateChange hook.
func LogStateChange(provider string, from, to CircuitState) {
	zap.L().Warn("resilience: circuit state change",
		zap.String("provider", provider),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
