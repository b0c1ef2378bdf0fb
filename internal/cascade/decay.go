package cascade

import (
	"math"
	"time"
)

// EffectiveConfidence computes the time-decayed confidence of a cached
// profile: raw * 2^(-age/halfLife). A zero halfLife disables decay.
func EffectiveConfidence(raw float64, asOf, now time.Time, halfLife time.Duration) float64 {
	if raw <= 0 {
		return 0
	}
	if asOf.IsZero() || halfLife <= 0 {
		return raw
	}
	age := now.Sub(asOf)
	if age <= 0 {
		return raw
	}
	return raw * math.Pow(2, -float64(age)/float64(halfLife))
}
