// Package retry provides retry logic with exponential backoff for completion calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/agent/middleware/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`   // including the initial attempt
	InitialDelay  time.Duration `mapstructure:"initial_delay"`  // delay before the first retry
	MaxDelay      time.Duration `mapstructure:"max_delay"`      // cap on any single delay
	BackoffFactor float64       `mapstructure:"backoff_factor"` // multiplier per attempt
	Jitter        bool          `mapstructure:"jitter"`         // +/-10% random jitter
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier.
//
// DeadlineExceeded is retryable because it comes from the per-attempt timeout
// below this middleware; the caller's own context is checked separately.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}
	return llmerrors.Classify(err).IsRetryable()
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // logical grouping
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy. A nil classifier uses ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the delay before the given attempt number.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // jitter only
		delay += jitter
	}
	return delay
}

// ShouldRetry determines if an error should be retried.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
