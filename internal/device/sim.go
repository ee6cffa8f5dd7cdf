package device

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/maraver/planline/pkg/schema"
)

// SimMotor is a simulated positioner. Set travels at a fixed rate toward the
// target, so moves take proportional wall time, and honors soft limits.
type SimMotor struct {
	name string

	mu       sync.Mutex
	position float64

	// Rate is the travel speed in units per second. Zero means instant.
	Rate float64
	// LowLimit and HighLimit bound the allowed target positions.
	LowLimit  float64
	HighLimit float64
}

// NewSimMotor creates a motor at position 0 with limits [-math.MaxFloat64, math.MaxFloat64].
func NewSimMotor(name string) *SimMotor {
	return &SimMotor{
		name:      name,
		LowLimit:  -math.MaxFloat64,
		HighLimit: math.MaxFloat64,
	}
}

func (m *SimMotor) Name() string { return m.name }

// Read returns the current position.
func (m *SimMotor) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	m.mu.Lock()
	pos := m.position
	m.mu.Unlock()
	return Reading{Device: m.name, Value: pos, Timestamp: time.Now().UTC()}, nil
}

// Set moves the motor to the target position, blocking for the travel time.
func (m *SimMotor) Set(ctx context.Context, value any) error {
	target, err := toFloat(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "motor target: %s", err.Error()).WithDevice(m.name)
	}
	if target < m.LowLimit || target > m.HighLimit {
		return schema.NewErrorf(schema.ErrCodeLimit,
			"target %v outside limits [%v, %v]", target, m.LowLimit, m.HighLimit).WithDevice(m.name)
	}

	m.mu.Lock()
	distance := math.Abs(target - m.position)
	m.mu.Unlock()

	if m.Rate > 0 && distance > 0 {
		travel := time.Duration(float64(time.Second) * distance / m.Rate)
		select {
		case <-time.After(travel):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.position = target
	m.mu.Unlock()
	return nil
}

// SimSignal is a simulated scalar signal whose value can be flipped by an
// external actor (e.g. a goroutine simulating beam loss) while a plan runs.
type SimSignal struct {
	name string

	mu    sync.Mutex
	value any
}

// NewSimSignal creates a signal with the given initial value.
func NewSimSignal(name string, initial any) *SimSignal {
	return &SimSignal{name: name, value: initial}
}

func (s *SimSignal) Name() string { return s.name }

// Read returns the current value.
func (s *SimSignal) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	s.mu.Lock()
	v := s.value
	s.mu.Unlock()
	return Reading{Device: s.name, Value: v, Timestamp: time.Now().UTC()}, nil
}

// Set stores a new value immediately.
func (s *SimSignal) Set(_ context.Context, value any) error {
	s.Put(value)
	return nil
}

// Put stores a new value without a context. Intended for test and demo
// actors that flip the signal asynchronously.
func (s *SimSignal) Put(value any) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

// ShutterOpen and ShutterClosed are the two SimShutter states.
const (
	ShutterOpen   = "open"
	ShutterClosed = "closed"
)

// SimShutter is a simulated two-state shutter.
type SimShutter struct {
	name string

	mu    sync.Mutex
	state string

	// FailNext, when set, makes the next Set return a device fault. Used to
	// exercise fault paths in tests.
	FailNext bool
}

// NewSimShutter creates a shutter in the closed state.
func NewSimShutter(name string) *SimShutter {
	return &SimShutter{name: name, state: ShutterClosed}
}

func (s *SimShutter) Name() string { return s.name }

// Read returns the current state.
func (s *SimShutter) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return Reading{Device: s.name, Value: st, Timestamp: time.Now().UTC()}, nil
}

// Set moves the shutter to "open" or "closed".
func (s *SimShutter) Set(ctx context.Context, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	failNext := s.FailNext
	s.FailNext = false
	s.mu.Unlock()
	if failNext {
		return schema.NewError(schema.ErrCodeDevice, "shutter actuation fault").WithDevice(s.name)
	}

	state, ok := value.(string)
	if !ok || (state != ShutterOpen && state != ShutterClosed) {
		return schema.NewErrorf(schema.ErrCodeValidation, "shutter state must be %q or %q", ShutterOpen, ShutterClosed).WithDevice(s.name)
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

// State returns the current shutter state.
func (s *SimShutter) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
