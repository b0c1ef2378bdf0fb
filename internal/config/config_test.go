package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/resilience"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.7, cfg.Consensus.SimilarityThreshold, 0.001)
	assert.InDelta(t, 0.05, cfg.Consensus.NumericTolerance, 0.001)
	assert.InDelta(t, 0.5, cfg.Consensus.MinAgreement, 0.001)
	assert.Equal(t, 120, cfg.Agents.RequestDeadlineSecs)
	assert.Equal(t, 500, cfg.Agents.GraceMs)
	assert.Equal(t, "synthesizer", cfg.Agents.Direct.Provider)
	assert.Equal(t, "validator", cfg.Agents.Environment.Provider)
	assert.Equal(t, 24*time.Hour, cfg.Cascade.CacheTTL())
	assert.Equal(t, []string{"revenue", "employees", "headquarters", "industry"}, cfg.Cascade.RequiredFields)

	assert.Equal(t, []string{"search-primary", "synthesizer", "validator"}, cfg.ProviderIDs())
	p := cfg.Providers["search-primary"]
	assert.Equal(t, KindPerplexity, p.Kind)
	assert.Equal(t, 5, p.FailureThreshold)
	assert.Equal(t, 1, p.HalfOpenTrials)
	assert.Equal(t, 30*time.Second, p.Timeout())
	assert.NotEmpty(t, cfg.Pricing.Models)
}

func TestLoadDefaults_BreakersStayOpenForCooldown(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	for _, id := range cfg.ProviderIDs() {
		pc := cfg.Providers[id]
		assert.Equal(t, DefaultCooldownSecs, pc.CooldownSecs, id)

		cb := resilience.NewCircuitBreaker(id, resilience.FromCircuitConfig(pc.FailureThreshold, pc.CooldownSecs, pc.HalfOpenTrials))
		for i := 0; i < pc.FailureThreshold; i++ {
			cb.RecordFailure(errors.New("503"))
		}
		assert.False(t, cb.IsAvailable(), "%s admits calls right after opening", id)
		assert.Equal(t, resilience.CircuitOpen, cb.State(), id)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/corpsignal
log:
  level: debug
  format: console
providers:
  search-primary:
    kind: perplexity
    model: sonar
    failure_threshold: 3
    cooldown_secs: 0
    half_open_trials: 2
    max_concurrent: 8
  synthesizer:
    kind: anthropic
    model: claude-sonnet-4-5-20250929
consensus:
  min_agreement: 0.6
pricing:
  models:
    - model: gemini-2.5-flash
      input: 0.5
      output: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	require.Len(t, cfg.Providers, 2)

	sp := cfg.Providers["search-primary"]
	assert.Equal(t, 3, sp.FailureThreshold)
	assert.Equal(t, 0, sp.CooldownSecs)
	assert.Equal(t, 2, sp.HalfOpenTrials)
	assert.Equal(t, 8, sp.MaxConcurrent)

	synth := cfg.Providers["synthesizer"]
	assert.Equal(t, 5, synth.FailureThreshold, "unset fields take defaults")
	assert.Equal(t, DefaultCooldownSecs, synth.CooldownSecs, "absent cooldown is not zero")
	assert.Equal(t, 1, synth.MaxConcurrent)

	assert.InDelta(t, 0.6, cfg.Consensus.MinAgreement, 0.001)
	assert.InDelta(t, 0.7, cfg.Consensus.SimilarityThreshold, 0.001)

	require.Len(t, cfg.Pricing.Models, 1)
	assert.Equal(t, "gemini-2.5-flash", cfg.Pricing.Models[0].Model)
	assert.InDelta(t, 0.5, cfg.Pricing.Models[0].Input, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("CORPSIGNAL_STORE_DRIVER", "postgres")
	t.Setenv("CORPSIGNAL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CORPSIGNAL_SERVER_PORT", "3000")
	t.Setenv("CORPSIGNAL_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ":memory:"
	cfg.Server.Port = 8080
	cfg.Anthropic.Key = "sk-ant"
	cfg.Perplexity.Key = "pplx"
	cfg.Gemini.Key = "gem"
	cfg.Providers = DefaultProviders()
	cfg.Consensus.SimilarityThreshold = 0.7
	cfg.Consensus.NumericTolerance = 0.05
	cfg.Consensus.MinAgreement = 0.5
	cfg.Agents.RequestDeadlineSecs = 120
	cfg.Agents.GraceMs = 500
	cfg.Agents.Direct.Provider = "synthesizer"
	cfg.Agents.Industry.Provider = "synthesizer"
	cfg.Agents.Environment.Provider = "validator"
	cfg.Cascade.AcceptConfidence = 0.7
	cfg.Cascade.MinResolvedRatio = 0.75
	cfg.Cascade.PrimaryProvider = "search-primary"
	cfg.Cascade.ValidatorProvider = "validator"
	cfg.Cascade.SynthProvider = "synthesizer"
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"extract", "profile", "serve", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Gemini.Key = ""

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required by provider synthesizer")
	assert.Contains(t, err.Error(), "gemini.key is required by provider validator")
}

func TestValidate_UnknownKind(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers["search-primary"] = ProviderConfig{Kind: "carrier-pigeon"}

	err := cfg.Validate("profile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.search-primary.kind")
}

func TestValidate_AgentReferencesUnknownProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Agents.Industry.Provider = "ghost"

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.industry.provider references unknown provider ghost")
}

func TestValidate_CascadeProvidersOnlyCheckedForProfile(t *testing.T) {
	cfg := validDefaults()
	cfg.Cascade.SynthProvider = "ghost"

	assert.NoError(t, cfg.Validate("extract"))

	err := cfg.Validate("profile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cascade.synth_provider references unknown provider ghost")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Consensus.MinAgreement = 1.5
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consensus.min_agreement")

	cfg.Consensus.MinAgreement = 0.5
	cfg.Consensus.NumericTolerance = -0.1
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "numeric_tolerance")

	cfg.Consensus.NumericTolerance = 0.05
	cfg.Agents.RequestDeadlineSecs = 0
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_deadline_secs")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
