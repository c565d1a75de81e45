// Package circuit provides a circuit breaker for completion calls.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // rejecting requests
	HalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `mapstructure:"success_threshold"` // successes in half-open before closing
	Timeout          time.Duration `mapstructure:"timeout"`           // open duration before probing
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Error is returned while the circuit rejects requests.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
	}
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker guards one upstream.
//
//nolint:govet // logical grouping
type Breaker struct {
	name            string
	config          Config
	now             func() time.Time
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a closed breaker.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return &Breaker{name: name, config: config, now: time.Now}
}

// Allow reports whether a request may proceed. An open breaker moves to
// half-open once Timeout has elapsed since the last failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// Record records the outcome of an allowed request.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
