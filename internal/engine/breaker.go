package engine

import (
	"sync"
	"time"

	"github.com/maraver/planline/pkg/schema"
)

// BreakerState represents the state of a device circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, rejecting instructions
	BreakerHalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the device circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test instructions allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// deviceBreaker tracks failure state for a single device.
type deviceBreaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-device circuit breakers. A device whose
// instructions keep failing stops receiving instructions until it cools down.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*deviceBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*deviceBreaker),
		config:   config,
	}
}

// AllowInstruction checks whether an instruction to the given device is allowed.
// Returns nil if allowed, or a PlanError if the circuit is open.
func (r *BreakerRegistry) AllowInstruction(deviceName string) error {
	cb := r.getOrCreate(deviceName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.halfOpenAttempts = 1 // this instruction counts as the first test
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeBreakerOpen,
			"circuit breaker open for device %q: %d consecutive failures, cooldown remaining",
			deviceName, cb.consecutiveFailures).
			WithDevice(deviceName).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case BreakerHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeBreakerOpen,
				"circuit breaker half-open for device %q: max test instructions reached", deviceName).
				WithDevice(deviceName)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful instruction for the device. Reports
// whether the circuit closed as a result (it was open or half-open before).
func (r *BreakerRegistry) RecordSuccess(deviceName string) bool {
	cb := r.getOrCreate(deviceName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasOpen := cb.state != BreakerClosed
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = BreakerClosed
	return wasOpen
}

// RecordFailure records a failed instruction for the device.
// Returns the new breaker state and whether this failure opened the circuit.
func (r *BreakerRegistry) RecordFailure(deviceName string) (BreakerState, bool) {
	cb := r.getOrCreate(deviceName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == BreakerHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = BreakerOpen
		return BreakerOpen, true
	}

	if cb.state == BreakerClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = BreakerOpen
		return BreakerOpen, true
	}

	return cb.state, false
}

// GetState returns the current state of the circuit for a device.
func (r *BreakerRegistry) GetState(deviceName string) BreakerState {
	cb := r.getOrCreate(deviceName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check for automatic transition from open to half-open.
	if cb.state == BreakerOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = BreakerHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a device's circuit breaker.
func (r *BreakerRegistry) GetStats(deviceName string) map[string]any {
	cb := r.getOrCreate(deviceName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"device":               deviceName,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(deviceName string) *deviceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[deviceName]
	if !ok {
		cb = &deviceBreaker{
			state:  BreakerClosed,
			config: r.config,
		}
		r.breakers[deviceName] = cb
	}
	return cb
}
