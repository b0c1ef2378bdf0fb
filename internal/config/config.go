package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/corpsignal/internal/cost"
)

// Provider kinds understood by the provider registry.
const (
	KindPerplexity = "perplexity"
	KindAnthropic  = "anthropic"
	KindGemini     = "gemini"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig               `yaml:"store" mapstructure:"store"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig           `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig          `yaml:"perplexity" mapstructure:"perplexity"`
	Gemini     GeminiConfig              `yaml:"gemini" mapstructure:"gemini"`
	Providers  map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Retry      RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Consensus  ConsensusConfig           `yaml:"consensus" mapstructure:"consensus"`
	Agents     AgentsConfig              `yaml:"agents" mapstructure:"agents"`
	Cascade    CascadeConfig             `yaml:"cascade" mapstructure:"cascade"`
	Pricing    cost.Rates                `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google GenAI settings.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ProviderConfig configures one external provider: which backend serves it,
// its circuit breaker, its concurrency and rate limits, and its call timeout.
type ProviderConfig struct {
	Kind             string  `yaml:"kind" mapstructure:"kind"`
	Model            string  `yaml:"model" mapstructure:"model"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	HalfOpenTrials   int     `yaml:"half_open_trials" mapstructure:"half_open_trials"`
	MaxConcurrent    int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// RetryConfig configures retry with exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ConsensusConfig configures field reconciliation.
type ConsensusConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	NumericTolerance    float64 `yaml:"numeric_tolerance" mapstructure:"numeric_tolerance"`
	MinAgreement        float64 `yaml:"min_agreement" mapstructure:"min_agreement"`
	FieldsPath          string  `yaml:"fields_path" mapstructure:"fields_path"`
}

// AgentConfig configures one extraction agent.
type AgentConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AgentsConfig configures the extraction agent pool.
type AgentsConfig struct {
	RequestDeadlineSecs int         `yaml:"request_deadline_secs" mapstructure:"request_deadline_secs"`
	GraceMs             int         `yaml:"grace_ms" mapstructure:"grace_ms"`
	Direct              AgentConfig `yaml:"direct" mapstructure:"direct"`
	Industry            AgentConfig `yaml:"industry" mapstructure:"industry"`
	Environment         AgentConfig `yaml:"environment" mapstructure:"environment"`
}

// CascadeConfig configures the fallback cascade.
type CascadeConfig struct {
	CacheTTLHours      int      `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	CacheHalfLifeHours int      `yaml:"cache_half_life_hours" mapstructure:"cache_half_life_hours"`
	CacheMinConfidence float64  `yaml:"cache_min_confidence" mapstructure:"cache_min_confidence"`
	AcceptConfidence   float64  `yaml:"accept_confidence" mapstructure:"accept_confidence"`
	RequiredFields     []string `yaml:"required_fields" mapstructure:"required_fields"`
	MinResolvedRatio   float64  `yaml:"min_resolved_ratio" mapstructure:"min_resolved_ratio"`
	PrimaryProvider    string   `yaml:"primary_provider" mapstructure:"primary_provider"`
	ValidatorProvider  string   `yaml:"validator_provider" mapstructure:"validator_provider"`
	SynthProvider      string   `yaml:"synth_provider" mapstructure:"synth_provider"`
}

// CacheTTL returns the profile cache lifetime.
func (c CascadeConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// CacheHalfLife returns the half-life applied to cached profile confidence.
func (c CascadeConfig) CacheHalfLife() time.Duration {
	return time.Duration(c.CacheHalfLifeHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORPSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "corpsignal.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("consensus.similarity_threshold", 0.7)
	v.SetDefault("consensus.numeric_tolerance", 0.05)
	v.SetDefault("consensus.min_agreement", 0.5)
	v.SetDefault("consensus.fields_path", "fields.yaml")
	v.SetDefault("agents.request_deadline_secs", 120)
	v.SetDefault("agents.grace_ms", 500)
	v.SetDefault("agents.direct.provider", "synthesizer")
	v.SetDefault("agents.direct.timeout_secs", 60)
	v.SetDefault("agents.industry.provider", "synthesizer")
	v.SetDefault("agents.industry.timeout_secs", 60)
	v.SetDefault("agents.environment.provider", "validator")
	v.SetDefault("agents.environment.timeout_secs", 60)
	v.SetDefault("cascade.cache_ttl_hours", 24)
	v.SetDefault("cascade.cache_half_life_hours", 168)
	v.SetDefault("cascade.cache_min_confidence", 0.3)
	v.SetDefault("cascade.accept_confidence", 0.7)
	v.SetDefault("cascade.required_fields", []string{"revenue", "employees", "headquarters", "industry"})
	v.SetDefault("cascade.min_resolved_ratio", 0.75)
	v.SetDefault("cascade.primary_provider", "search-primary")
	v.SetDefault("cascade.validator_provider", "validator")
	v.SetDefault("cascade.synth_provider", "synthesizer")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	for id, p := range cfg.Providers {
		// An explicit cooldown_secs of 0 is legal; an absent one is not zero.
		if !v.IsSet("providers." + id + ".cooldown_secs") {
			p.CooldownSecs = -1
		}
		cfg.Providers[id] = p.withDefaults()
	}
	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// DefaultCooldownSecs is the breaker cooldown for providers that do not set
// cooldown_secs.
const DefaultCooldownSecs = 30

// DefaultProviders returns the stock three-provider setup: a web-search
// primary, a validation model and a synthesis model.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"search-primary": {Kind: KindPerplexity, Model: "sonar-pro", CooldownSecs: DefaultCooldownSecs, MaxConcurrent: 4, RequestsPerSec: 2},
		"validator":      {Kind: KindGemini, Model: "gemini-2.5-flash", CooldownSecs: DefaultCooldownSecs, MaxConcurrent: 4},
		"synthesizer":    {Kind: KindAnthropic, Model: "claude-sonnet-4-5-20250929", CooldownSecs: DefaultCooldownSecs, MaxConcurrent: 2},
	}
}

func (p ProviderConfig) withDefaults() ProviderConfig {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.CooldownSecs < 0 {
		p.CooldownSecs = DefaultCooldownSecs
	}
	if p.HalfOpenTrials <= 0 {
		p.HalfOpenTrials = 1
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.TimeoutSecs <= 0 {
		p.TimeoutSecs = 30
	}
	return p
}

// ProviderIDs returns the configured provider IDs in sorted order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks cross-field constraints for the given mode: "extract",
// "profile", "serve" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "extract", "profile", "serve":
		errs = append(errs, c.validateProviders()...)
		errs = append(errs, c.validateThresholds()...)
		if mode != "extract" {
			errs = append(errs, c.validateCascade()...)
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateProviders() []string {
	var errs []string
	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider must be configured")
	}
	for _, id := range c.ProviderIDs() {
		p := c.Providers[id]
		switch p.Kind {
		case KindPerplexity:
			if c.Perplexity.Key == "" {
				errs = append(errs, "perplexity.key is required by provider "+id)
			}
		case KindAnthropic:
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required by provider "+id)
			}
		case KindGemini:
			if c.Gemini.Key == "" {
				errs = append(errs, "gemini.key is required by provider "+id)
			}
		default:
			errs = append(errs, "providers."+id+".kind must be perplexity, anthropic or gemini")
		}
	}
	for name, a := range map[string]AgentConfig{"direct": c.Agents.Direct, "industry": c.Agents.Industry, "environment": c.Agents.Environment} {
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, "agents."+name+".provider references unknown provider "+a.Provider)
		}
	}
	sort.Strings(errs)
	return errs
}

func (c *Config) validateThresholds() []string {
	var errs []string
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }
	if !inUnit(c.Consensus.SimilarityThreshold) {
		errs = append(errs, "consensus.similarity_threshold must be between 0 and 1")
	}
	if !inUnit(c.Consensus.MinAgreement) {
		errs = append(errs, "consensus.min_agreement must be between 0 and 1")
	}
	if c.Consensus.NumericTolerance < 0 {
		errs = append(errs, "consensus.numeric_tolerance must be >= 0")
	}
	if !inUnit(c.Cascade.AcceptConfidence) {
		errs = append(errs, "cascade.accept_confidence must be between 0 and 1")
	}
	if !inUnit(c.Cascade.MinResolvedRatio) {
		errs = append(errs, "cascade.min_resolved_ratio must be between 0 and 1")
	}
	if c.Agents.RequestDeadlineSecs <= 0 {
		errs = append(errs, "agents.request_deadline_secs must be > 0")
	}
	if c.Agents.GraceMs < 0 {
		errs = append(errs, "agents.grace_ms must be >= 0")
	}
	return errs
}

func (c *Config) validateCascade() []string {
	var errs []string
	for key, id := range map[string]string{
		"cascade.primary_provider":   c.Cascade.PrimaryProvider,
		"cascade.validator_provider": c.Cascade.ValidatorProvider,
		"cascade.synth_provider":     c.Cascade.SynthProvider,
	} {
		if _, ok := c.Providers[id]; !ok {
			errs = append(errs, key+" references unknown provider "+id)
		}
	}
	sort.Strings(errs)
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
