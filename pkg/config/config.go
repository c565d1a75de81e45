// Package config loads foreman configuration from file, environment and defaults.
//
// Configuration is read through viper from foreman.yaml (searched in the working
// directory, $HOME/.config/foreman and /etc/foreman), overridden by FOREMAN_*
// environment variables where dots become underscores
// (FOREMAN_DATABASE_DSN for database.dsn).
//
// Algorithm constants that operators must not change, such as the tool-loop turn
// cap, live in this package as constants rather than configuration keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"foreman/pkg/logx"
)

const (
	// MaxTurns is the hard cap on model turns per job. Configuration may lower it, never raise it.
	MaxTurns = 20

	// DefaultMaxAttempts is the attempts bound stamped on new jobs.
	DefaultMaxAttempts = 3

	// MinVerificationPoints is the number of post-change feedback rows needed to judge an improvement.
	MinVerificationPoints = 3

	EnvPrefix      = "FOREMAN"
	ConfigFileName = "foreman"
)

// Model tiers.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Config is the complete process configuration.
type Config struct {
	Database     DatabaseConfig      `mapstructure:"database"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Executor     ExecutorConfig      `mapstructure:"executor"`
	Tiers        map[string]TierSpec `mapstructure:"tiers"`
	Classifier   ClassifierConfig    `mapstructure:"classifier"`
	Feedback     FeedbackConfig      `mapstructure:"feedback"`
	Catalog      CatalogConfig       `mapstructure:"catalog"`
	API          APIConfig           `mapstructure:"api"`
	Webhook      WebhookConfig       `mapstructure:"webhook"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Resilience   ResilienceConfig    `mapstructure:"resilience"`
}

// DatabaseConfig selects the SQL driver. Driver is "sqlite" or "pgx".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// QueueConfig selects the dispatch queue. Kind is "memory", "store" or "none" (inline execution).
type QueueConfig struct {
	Kind              string        `mapstructure:"kind"`
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
}

type OrchestratorConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxAttempts int  `mapstructure:"max_attempts"`
	MaxTurns    int  `mapstructure:"max_turns"`
	// StaleAfter is how long past its own timeout a running job must be
	// before a reconcile sweep treats its worker as dead.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type ExecutorConfig struct {
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// TierSpec binds a model tier to a concrete model and its limits.
type TierSpec struct {
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ClassifierConfig struct {
	UseLLM bool   `mapstructure:"use_llm"`
	Tier   string `mapstructure:"tier"`
}

type FeedbackConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	ItemTimeout   time.Duration `mapstructure:"item_timeout"`
	MaxIterations int           `mapstructure:"max_iterations"`
	MinDataPoints int           `mapstructure:"min_data_points"`
	UseLLM        bool          `mapstructure:"use_llm"`
	Tier          string        `mapstructure:"tier"`
}

type CatalogConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type APIConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

type WebhookConfig struct {
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// MetricsConfig enables the Prometheus query client used by health job stats when PrometheusURL is set.
type MetricsConfig struct {
	PrometheusURL string `mapstructure:"prometheus_url"`
}

// CircuitBreakerConfig defines configuration for circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"` // failures before opening
	SuccessThreshold int           `mapstructure:"success_threshold"` // successes to close from half-open
	Timeout          time.Duration `mapstructure:"timeout"`           // wait before trying half-open
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"` // including the initial attempt
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// ResilienceConfig bundles the LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "foreman.db"},
		Queue: QueueConfig{
			Kind:              "store",
			Workers:           4,
			PollInterval:      2 * time.Second,
			VisibilityTimeout: 30 * time.Minute,
			MaxDeliveries:     5,
		},
		Orchestrator: OrchestratorConfig{
			Enabled:     true,
			MaxAttempts: DefaultMaxAttempts,
			MaxTurns:    MaxTurns,
			StaleAfter:  5 * time.Minute,
		},
		Executor: ExecutorConfig{WorkspaceRoot: "workspaces"},
		Tiers: map[string]TierSpec{
			TierFast:     {Model: "claude-3-5-haiku-latest", MaxTokens: 4096, Timeout: 60 * time.Second},
			TierStandard: {Model: "claude-sonnet-4-5", MaxTokens: 8192, Timeout: 3 * time.Minute},
			TierPremium:  {Model: "claude-opus-4-1", MaxTokens: 16384, Timeout: 5 * time.Minute},
		},
		Classifier: ClassifierConfig{UseLLM: true, Tier: TierFast},
		Feedback: FeedbackConfig{
			Interval:      30 * time.Second,
			BatchSize:     10,
			ItemTimeout:   2 * time.Minute,
			MinDataPoints: MinVerificationPoints,
			UseLLM:        true,
			Tier:          TierStandard,
		},
		Catalog: CatalogConfig{Dir: "agents", Watch: true},
		API:     APIConfig{Addr: ":8080", BaseURL: "http://localhost:8080"},
		Webhook: WebhookConfig{Timeout: 10 * time.Second, MaxRetries: 3},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 30 * time.Second},
			Retry: RetryConfig{
				MaxAttempts:   3,
				InitialDelay:  time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
		},
	}
}

// SetDefaults registers the built-in values on v so file and env only need to override.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("queue.kind", d.Queue.Kind)
	v.SetDefault("queue.workers", d.Queue.Workers)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.visibility_timeout", d.Queue.VisibilityTimeout)
	v.SetDefault("queue.max_deliveries", d.Queue.MaxDeliveries)

	v.SetDefault("orchestrator.enabled", d.Orchestrator.Enabled)
	v.SetDefault("orchestrator.max_attempts", d.Orchestrator.MaxAttempts)
	v.SetDefault("orchestrator.max_turns", d.Orchestrator.MaxTurns)
	v.SetDefault("orchestrator.stale_after", d.Orchestrator.StaleAfter)

	v.SetDefault("executor.workspace_root", d.Executor.WorkspaceRoot)

	for name, tier := range d.Tiers {
		v.SetDefault("tiers."+name+".model", tier.Model)
		v.SetDefault("tiers."+name+".max_tokens", tier.MaxTokens)
		v.SetDefault("tiers."+name+".timeout", tier.Timeout)
	}

	v.SetDefault("classifier.use_llm", d.Classifier.UseLLM)
	v.SetDefault("classifier.tier", d.Classifier.Tier)

	v.SetDefault("feedback.interval", d.Feedback.Interval)
	v.SetDefault("feedback.batch_size", d.Feedback.BatchSize)
	v.SetDefault("feedback.item_timeout", d.Feedback.ItemTimeout)
	v.SetDefault("feedback.max_iterations", d.Feedback.MaxIterations)
	v.SetDefault("feedback.min_data_points", d.Feedback.MinDataPoints)
	v.SetDefault("feedback.use_llm", d.Feedback.UseLLM)
	v.SetDefault("feedback.tier", d.Feedback.Tier)

	v.SetDefault("catalog.dir", d.Catalog.Dir)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.jwt_secret", d.API.JWTSecret)
	v.SetDefault("api.base_url", d.API.BaseURL)

	v.SetDefault("webhook.secret", d.Webhook.Secret)
	v.SetDefault("webhook.timeout", d.Webhook.Timeout)
	v.SetDefault("webhook.max_retries", d.Webhook.MaxRetries)

	v.SetDefault("metrics.prometheus_url", d.Metrics.PrometheusURL)

	cb := d.Resilience.CircuitBreaker
	v.SetDefault("resilience.circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("resilience.circuit_breaker.success_threshold", cb.SuccessThreshold)
	v.SetDefault("resilience.circuit_breaker.timeout", cb.Timeout)
	r := d.Resilience.Retry
	v.SetDefault("resilience.retry.max_attempts", r.MaxAttempts)
	v.SetDefault("resilience.retry.initial_delay", r.InitialDelay)
	v.SetDefault("resilience.retry.max_delay", r.MaxDelay)
	v.SetDefault("resilience.retry.backoff_factor", r.BackoffFactor)
	v.SetDefault("resilience.retry.jitter", r.Jitter)
}

// NewViper returns a viper instance with defaults, env binding and config search paths.
// An explicit configFile skips the search.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath("/etc/foreman")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// Load reads configuration into a validated Config. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logx.NewLogger("config").Info("loaded configuration from %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and clamps values that must not exceed algorithm constants.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite or pgx, got %q", c.Database.Driver)
	}
	switch c.Queue.Kind {
	case "memory", "store", "none":
	default:
		return fmt.Errorf("queue.kind must be memory, store or none, got %q", c.Queue.Kind)
	}
	if c.Orchestrator.MaxTurns <= 0 || c.Orchestrator.MaxTurns > MaxTurns {
		c.Orchestrator.MaxTurns = MaxTurns
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		c.Orchestrator.MaxAttempts = DefaultMaxAttempts
	}
	if c.Orchestrator.StaleAfter < 0 {
		return fmt.Errorf("orchestrator.stale_after must not be negative")
	}
	if c.Feedback.BatchSize <= 0 {
		return fmt.Errorf("feedback.batch_size must be positive")
	}
	if c.Feedback.MinDataPoints <= 0 {
		c.Feedback.MinDataPoints = MinVerificationPoints
	}
	for _, tier := range []string{TierFast, TierStandard, TierPremium} {
		spec, ok := c.Tiers[tier]
		if !ok || spec.Model == "" {
			return fmt.Errorf("tiers.%s.model is required", tier)
		}
		if _, err := GetModelProvider(spec.Model); err != nil {
			return fmt.Errorf("tiers.%s: %w", tier, err)
		}
	}
	return nil
}

// Tier returns the TierSpec for a model tier, falling back to the standard tier for unknown names.
func (c *Config) Tier(name string) TierSpec {
	if spec, ok := c.Tiers[name]; ok {
		return spec
	}
	return c.Tiers[TierStandard]
}

// TierForComplexity maps a 1..10 complexity score to a model tier.
func TierForComplexity(complexity int) string {
	switch {
	case complexity <= 3:
		return TierFast
	case complexity <= 7:
		return TierStandard
	default:
		return TierPremium
	}
}

// IsValidTier reports whether name is one of the three model tiers.
func IsValidTier(name string) bool {
	return name == TierFast || name == TierStandard || name == TierPremium
}
