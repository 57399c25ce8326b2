package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/weftworks/weft/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited probe requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward the failure
// threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. User errors
// (bad configuration, missing resources) and client cancellation do not
// trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// before opening.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close again.
	SuccessThreshold int

	// SleepWindow is how long the breaker stays open before probing.
	SleepWindow time.Duration

	// HalfOpenRequests bounds concurrent probes in half-open state.
	HalfOpenRequests int

	// ErrorClassifier determines which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state change events.
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns production defaults for the named
// breaker.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	return nil
}

// CircuitBreaker protects a downstream dependency with the classic
// closed/open/half-open state machine.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	stateChangedAt   time.Time
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
}

// NewCircuitBreaker creates a circuit breaker. A nil config gets
// defaults; an invalid config is an error.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}, nil
}

// SetLogger replaces the breaker's logger.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}
	cb.mu.Lock()
	cb.config.Logger = logger
	cb.mu.Unlock()
}

// Execute runs fn with circuit breaker protection. Panics inside fn are
// converted to errors so a broken capability cannot take the runtime down.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) (err error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !cb.allow() {
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in circuit breaker '%s': %v\n%s", cb.config.Name, r, debug.Stack())
			cb.record(err)
		}
	}()

	err = fn()
	cb.record(err)
	return err
}

// allow reports whether a request may proceed, transitioning open →
// half-open when the sleep window has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight++
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenRequests {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// record updates state from an execution result.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err == nil {
		cb.failures = 0
		if inHalfOpen {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	if !cb.config.ErrorClassifier(err) {
		return
	}

	if inHalfOpen {
		cb.transition(StateOpen)
		return
	}

	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// transition changes state. Caller must hold the lock.
func (cb *CircuitBreaker) transition(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.stateChangedAt = time.Now()

	if newState == StateHalfOpen {
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	}
	if newState == StateClosed {
		cb.failures = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset returns the breaker to closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
}
