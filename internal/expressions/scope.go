package expressions

import (
	"encoding/json"
	"sync"
	"time"
)

// ScopeBuilder accumulates the data visible to expressions during a run.
// It enforces:
//   - Readings track the LATEST value per device; each new reading for a
//     device overwrites the previous one.
//   - Inputs and run metadata are immutable after init (deep-copied).
//   - Build() returns an isolated snapshot safe for concurrent evaluation.
type ScopeBuilder struct {
	mu       sync.RWMutex
	readings map[string]any // device -> {value, timestamp}
	inputs   map[string]any // run input params (immutable after init)
	run      map[string]any // run metadata (id, plan, status)
}

// NewScopeBuilder creates a ScopeBuilder initialized with run-level data.
// inputs and run are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, run map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		readings: make(map[string]any),
		inputs:   deepCopyMap(inputs),
		run:      deepCopyMap(run),
	}
}

// AddReading records the latest reading for a device, replacing any previous
// reading from the same device.
func (sb *ScopeBuilder) AddReading(device string, value any, ts time.Time) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.readings[device] = map[string]any{
		"value":     deepCopyAny(value),
		"timestamp": ts.UnixMilli(),
	}
}

// SetRunField updates a run metadata field, such as the current status.
func (sb *ScopeBuilder) SetRunField(key string, value any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.run == nil {
		sb.run = make(map[string]any)
	}
	sb.run[key] = deepCopyAny(value)
}

// Build creates an InterpolationScope snapshot. The returned scope is safe
// for concurrent use (all data is copied).
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &InterpolationScope{
		Readings: deepCopyMap(sb.readings),
		Inputs:   sb.inputs, // already frozen at init
		Run:      deepCopyMap(sb.run),
	}
}

// Data returns the scope as an evaluation data map keyed by namespace,
// ready for Engine.Evaluate.
func (sb *ScopeBuilder) Data() map[string]any {
	scope := sb.Build()
	return map[string]any{
		"readings": scope.Readings,
		"inputs":   scope.Inputs,
		"run":      scope.Run,
	}
}

// Readings returns a read-only copy of the current latest readings.
func (sb *ScopeBuilder) Readings() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.readings)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
