// Package agent builds completion clients for model tiers with the middleware chain applied.
package agent

import (
	"context"
	"fmt"
	"sync"

	"foreman/pkg/agent/internal/llmimpl/anthropic"
	"foreman/pkg/agent/internal/llmimpl/google"
	"foreman/pkg/agent/internal/llmimpl/ollama"
	"foreman/pkg/agent/internal/llmimpl/openaiofficial"
	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/middleware/logging"
	"foreman/pkg/agent/middleware/metrics"
	"foreman/pkg/agent/middleware/resilience/circuit"
	"foreman/pkg/agent/middleware/resilience/retry"
	"foreman/pkg/agent/middleware/resilience/timeout"
	"foreman/pkg/config"
	"foreman/pkg/logx"
)

// RawBuilder creates an unwrapped provider client. Tests substitute it.
type RawBuilder func(provider, model string) (llm.LLMClient, error)

// pinger is implemented by provider clients that expose a health check.
type pinger interface {
	Ping(ctx context.Context) error
}

// LLMClientFactory creates tier clients with properly configured middleware chains.
// Clients are cached per tier; circuit breakers are shared per provider.
type LLMClientFactory struct {
	cfg      *config.Config
	recorder metrics.Recorder
	logger   *logx.Logger
	build    RawBuilder

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	clients  map[string]llm.LLMClient
	raw      map[string]llm.LLMClient
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg *config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		cfg:      cfg,
		recorder: recorder,
		logger:   logx.NewLogger("llm"),
		build:    buildRawClient,
		breakers: make(map[string]*circuit.Breaker),
		clients:  make(map[string]llm.LLMClient),
		raw:      make(map[string]llm.LLMClient),
	}
}

// WithRawBuilder replaces the provider client constructor.
func (f *LLMClientFactory) WithRawBuilder(b RawBuilder) *LLMClientFactory {
	f.build = b
	return f
}

// ForTier returns the client for a model tier. Unknown tiers resolve to standard.
func (f *LLMClientFactory) ForTier(tier string) (llm.LLMClient, error) {
	if !config.IsValidTier(tier) {
		tier = config.TierStandard
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[tier]; ok {
		return c, nil
	}

	spec := f.cfg.Tier(tier)
	provider, err := config.GetModelProvider(spec.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", spec.Model, err)
	}

	rawClient, err := f.build(provider, spec.Model)
	if err != nil {
		return nil, err
	}
	f.raw[tier] = rawClient

	breaker, ok := f.breakers[provider]
	if !ok {
		cb := f.cfg.Resilience.CircuitBreaker
		breaker = circuit.New(provider, circuit.Config{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout,
		})
		f.breakers[provider] = breaker
	}

	rc := f.cfg.Resilience.Retry
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   rc.MaxAttempts,
		InitialDelay:  rc.InitialDelay,
		MaxDelay:      rc.MaxDelay,
		BackoffFactor: rc.BackoffFactor,
		Jitter:        rc.Jitter,
	}, nil)

	// Metrics -> CircuitBreaker -> Retry -> Logging -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(breaker),
		retry.Middleware(policy),
		logging.Middleware(f.logger),
		timeout.Middleware(spec.Timeout),
	)
	f.clients[tier] = client
	f.logger.Info("created %s tier client: provider=%s model=%s", tier, provider, spec.Model)
	return client, nil
}

// MaxTokens returns the configured output limit for a tier.
func (f *LLMClientFactory) MaxTokens(tier string) int {
	if n := f.cfg.Tier(tier).MaxTokens; n > 0 {
		return n
	}
	return llm.DefaultMaxTokens
}

// Ping health-checks every created provider client that supports it, keyed by tier.
func (f *LLMClientFactory) Ping(ctx context.Context) map[string]error {
	f.mu.Lock()
	raw := make(map[string]llm.LLMClient, len(f.raw))
	for k, v := range f.raw {
		raw[k] = v
	}
	f.mu.Unlock()

	out := make(map[string]error)
	for tier, c := range raw {
		if p, ok := c.(pinger); ok {
			out[tier] = p.Ping(ctx)
		}
	}
	return out
}

// BreakerStates reports the circuit state per provider.
func (f *LLMClientFactory) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.breakers))
	for name, b := range f.breakers {
		out[name] = b.State().String()
	}
	return out
}

func buildRawClient(provider, model string) (llm.LLMClient, error) {
	key, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(key, model, ""), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClient(key, model, ""), nil
	case config.ProviderGoogle:
		return google.NewGeminiClient(key, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClient(key, config.OllamaModelName(model))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
