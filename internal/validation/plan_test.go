package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/pkg/schema"
)

func testDevices(t *testing.T) *device.Registry {
	t.Helper()
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(device.NewSimMotor("m1")))
	require.NoError(t, reg.Register(device.NewSimShutter("shutter")))
	return reg
}

func validDefinition() *schema.PlanDefinition {
	return &schema.PlanDefinition{
		Name: "open_and_scan",
		Steps: []schema.StepDefinition{
			{Action: "set", Device: "shutter", Value: "open"},
			{Action: "checkpoint"},
			{Action: "set", Device: "m1", Value: 5.0},
			{Action: "read", Device: "m1"},
			{Action: "sleep", Duration: "100ms"},
			{Action: "log", Message: "scan point done"},
		},
		Cleanup: []schema.StepDefinition{
			{Action: "set", Device: "shutter", Value: "closed"},
		},
	}
}

func TestPlanValidator_ValidDefinition(t *testing.T) {
	pv, err := NewPlanValidator(testDevices(t))
	require.NoError(t, err)

	result := pv.Validate(validDefinition())
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
	assert.NoError(t, pv.ValidateDefinition(validDefinition()))
}

func TestPlanValidator_NilDefinition(t *testing.T) {
	pv, err := NewPlanValidator(nil)
	require.NoError(t, err)
	result := pv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestPlanValidator_StructuralErrors(t *testing.T) {
	pv, err := NewPlanValidator(nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		def  *schema.PlanDefinition
	}{
		{"missing name", &schema.PlanDefinition{
			Steps: []schema.StepDefinition{{Action: "checkpoint"}},
		}},
		{"empty steps", &schema.PlanDefinition{Name: "p"}},
		{"unknown action", &schema.PlanDefinition{
			Name:  "p",
			Steps: []schema.StepDefinition{{Action: "teleport"}},
		}},
		{"bad plan timeout", &schema.PlanDefinition{
			Name:    "p",
			Timeout: "ten minutes",
			Steps:   []schema.StepDefinition{{Action: "checkpoint"}},
		}},
		{"negative retry max", &schema.PlanDefinition{
			Name: "p",
			Steps: []schema.StepDefinition{
				{Action: "read", Device: "m1", Retry: &schema.RetryPolicy{Max: -1}},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := pv.Validate(tt.def)
			assert.False(t, result.Valid())
		})
	}
}

func TestPlanValidator_SemanticErrors(t *testing.T) {
	pv, err := NewPlanValidator(testDevices(t))
	require.NoError(t, err)

	tests := []struct {
		name     string
		step     schema.StepDefinition
		wantPath string
	}{
		{"set without device", schema.StepDefinition{Action: "set", Value: 1.0}, "steps[0].device"},
		{"set without value", schema.StepDefinition{Action: "set", Device: "m1"}, "steps[0].value"},
		{"read without device", schema.StepDefinition{Action: "read"}, "steps[0].device"},
		{"sleep without duration", schema.StepDefinition{Action: "sleep"}, "steps[0].duration"},
		{"wait_for without condition", schema.StepDefinition{Action: "wait_for"}, "steps[0].condition"},
		{"log without message", schema.StepDefinition{Action: "log"}, "steps[0].message"},
		{"unknown device", schema.StepDefinition{Action: "read", Device: "ghost"}, "steps[0].device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.PlanDefinition{Name: "p", Steps: []schema.StepDefinition{tt.step}}
			result := pv.Validate(def)
			require.False(t, result.Valid())
			assert.Equal(t, tt.wantPath, result.Errors[0].Path)
		})
	}
}

func TestPlanValidator_NilLookupSkipsDeviceChecks(t *testing.T) {
	pv, err := NewPlanValidator(nil)
	require.NoError(t, err)

	def := &schema.PlanDefinition{
		Name:  "p",
		Steps: []schema.StepDefinition{{Action: "read", Device: "anything"}},
	}
	assert.True(t, pv.Validate(def).Valid())
}

func TestPlanValidator_InterpolatedDeviceSkipped(t *testing.T) {
	pv, err := NewPlanValidator(testDevices(t))
	require.NoError(t, err)

	def := &schema.PlanDefinition{
		Name:  "p",
		Steps: []schema.StepDefinition{{Action: "read", Device: "${{ inputs.detector }}"}},
	}
	assert.True(t, pv.Validate(def).Valid())
}

func TestPlanValidator_Warnings(t *testing.T) {
	pv, err := NewPlanValidator(testDevices(t))
	require.NoError(t, err)

	def := &schema.PlanDefinition{
		Name: "p",
		Steps: []schema.StepDefinition{
			{Action: "read", Device: "m1", Retry: &schema.RetryPolicy{Max: 50}},
			{Action: "sleep", Duration: "1ms", Retry: &schema.RetryPolicy{Max: 1}},
		},
		Cleanup: []schema.StepDefinition{
			{Action: "checkpoint"},
		},
	}
	result := pv.Validate(def)
	assert.True(t, result.Valid(), "warnings must not invalidate")
	assert.Len(t, result.Warnings, 3)
}

func TestPlanValidator_ValidatesAllBlocks(t *testing.T) {
	pv, err := NewPlanValidator(testDevices(t))
	require.NoError(t, err)

	def := validDefinition()
	def.OnError = []schema.StepDefinition{{Action: "read", Device: "ghost"}}
	result := pv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "on_error[0].device", result.Errors[0].Path)
}

func TestValidateInput(t *testing.T) {
	pv, err := NewPlanValidator(nil)
	require.NoError(t, err)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["target"],
		"properties": {
			"target": { "type": "number", "minimum": 0 }
		}
	}`)

	assert.NoError(t, pv.ValidateInput(map[string]any{"target": 5.0}, inputSchema))
	assert.Error(t, pv.ValidateInput(map[string]any{}, inputSchema))
	assert.Error(t, pv.ValidateInput(map[string]any{"target": -1.0}, inputSchema))
	assert.Error(t, pv.ValidateInput(map[string]any{"target": "far"}, inputSchema))

	// No schema means no validation.
	assert.NoError(t, pv.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_CachesCompiledSchema(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type": "object"}`)
	require.NoError(t, jsv.ValidateInput(map[string]any{}, inputSchema))
	require.NoError(t, jsv.ValidateInput(map[string]any{}, inputSchema))

	jsv.mu.RLock()
	defer jsv.mu.RUnlock()
	assert.Len(t, jsv.cache, 1)
}
