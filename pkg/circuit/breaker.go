// Package circuit provides a circuit breaker used to shed load from
// downstream event sinks (Kafka, Redis, InfluxDB) while they are failing.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/minerelay/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in errors and state change callbacks
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to stay open before going half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state

	// OnStateChange is invoked outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time

	now func() time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
		now:           time.Now,
	}
}

// Execute runs fn unless the circuit is open. Errors caused by ctx being
// canceled are passed through without counting as failures.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !cb.allowRequest() {
		return errors.New(errors.ErrorTypeInternal, "circuit_breaker",
			"circuit breaker is open").
			WithContext("breaker", cb.config.Name).
			WithContext("state", cb.GetState().String())
	}

	err := fn()
	if err != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
		return err
	}

	cb.recordResult(err)
	return err
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	now := cb.now()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}

	case StateHalfOpen:
		allowed = true
	}
	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
	return allowed
}

// recordResult records the result of a function execution
func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		if (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) || cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.now()
		}
	}

	to := cb.state
	cb.mutex.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
	cb.mutex.Unlock()

	cb.notify(from, StateClosed)
}
