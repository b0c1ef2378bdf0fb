// Package cost prices provider calls and accumulates per-run usage.
package cost

// Rates holds pricing per model. Models not listed are free. Model names
// carry dots, so rates are a list rather than a config map.
type Rates struct {
	Models []ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds token pricing (USD per million tokens) plus a flat
// per-call charge for providers that bill by request.
type ModelRate struct {
	Model   string  `yaml:"model" mapstructure:"model"`
	Input   float64 `yaml:"input" mapstructure:"input"`
	Output  float64 `yaml:"output" mapstructure:"output"`
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator with the given rates. A later entry
// for the same model wins.
func NewCalculator(rates Rates) *Calculator {
	m := make(map[string]ModelRate, len(rates.Models))
	for _, r := range rates.Models {
		m[r.Model] = r
	}
	return &Calculator{rates: m}
}

// Call returns the cost of one call to model.
func (c *Calculator) Call(model string, input, output int64) float64 {
	if c == nil {
		return 0
	}
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output + rate.PerCall
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: []ModelRate{
			{Model: "claude-haiku-4-5-20251001", Input: 0.80, Output: 4.00},
			{Model: "claude-sonnet-4-5-20250929", Input: 3.00, Output: 15.00},
			{Model: "sonar", Input: 1.00, Output: 1.00, PerCall: 0.005},
			{Model: "sonar-pro", Input: 3.00, Output: 15.00, PerCall: 0.006},
			{Model: "gemini-2.5-flash", Input: 0.30, Output: 2.50},
			{Model: "gemini-2.5-pro", Input: 1.25, Output: 10.00},
		},
	}
}
