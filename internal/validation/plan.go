package validation

import "github.com/maraver/planline/pkg/schema"

// PlanValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (per-action fields, device refs, durations)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	devices    DeviceLookup
}

// NewPlanValidator creates a PlanValidator. devices may be nil to skip
// device existence checks.
func NewPlanValidator(devices DeviceLookup) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{
		jsonSchema: jsv,
		devices:    devices,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (pv *PlanValidator) Validate(def *schema.PlanDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan definition is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, pv.devices))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (pv *PlanValidator) ValidateDefinition(def *schema.PlanDefinition) error {
	return pv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (pv *PlanValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return pv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	pe, ok := err.(*schema.PlanError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if pe.Details != nil {
		if violations, ok := pe.Details["violations"].([]string); ok {
			for _, violation := range violations {
				result.AddError("/", schema.ErrCodeValidation, violation)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, pe.Message)
	return result
}
