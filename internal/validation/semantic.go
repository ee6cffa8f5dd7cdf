package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/maraver/planline/pkg/schema"
)

// DeviceLookup answers whether a device name is registered. Nil lookup skips
// device existence checks (used when validating templates before deployment).
type DeviceLookup interface {
	Has(name string) bool
}

// validateSemantic checks what JSON Schema cannot express: per-action field
// requirements, device resolvability, and a few advisory warnings.
func validateSemantic(def *schema.PlanDefinition, devices DeviceLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateBlock(def.Steps, "steps", devices, result)
	validateBlock(def.Cleanup, "cleanup", devices, result)
	validateBlock(def.OnError, "on_error", devices, result)
	validateBlock(def.OnSuccess, "on_success", devices, result)

	return result
}

func validateBlock(steps []schema.StepDefinition, block string, devices DeviceLookup, result *schema.ValidationResult) {
	for i := range steps {
		path := fmt.Sprintf("%s[%d]", block, i)
		validateStepSemantic(&steps[i], path, block, devices, result)
	}
}

func validateStepSemantic(step *schema.StepDefinition, path, block string, devices DeviceLookup, result *schema.ValidationResult) {
	switch step.Action {
	case "set":
		if step.Device == "" {
			result.AddError(path+".device", schema.ErrCodeValidation, "set requires a device")
		}
		if step.Value == nil {
			result.AddError(path+".value", schema.ErrCodeValidation, "set requires a value")
		}
	case "read":
		if step.Device == "" {
			result.AddError(path+".device", schema.ErrCodeValidation, "read requires a device")
		}
	case "sleep":
		if step.Duration == "" {
			result.AddError(path+".duration", schema.ErrCodeValidation, "sleep requires a duration")
		} else if _, err := time.ParseDuration(step.Duration); err != nil {
			result.AddError(path+".duration", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", step.Duration))
		}
	case "wait_for":
		if step.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation, "wait_for requires a condition")
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}
	case "log":
		if step.Message == "" {
			result.AddError(path+".message", schema.ErrCodeValidation, "log requires a message")
		}
	case "checkpoint":
		if block != "steps" {
			result.AddWarning(path, schema.ErrCodeValidation,
				"checkpoint outside the main steps has no effect: the run is already ending")
		}
	}

	// Device resolvability. Interpolated device names are resolved at run
	// time and skipped here.
	if step.Device != "" && devices != nil && !strings.Contains(step.Device, "${{") {
		if !devices.Has(step.Device) {
			result.AddError(path+".device", schema.ErrCodeNotFound,
				fmt.Sprintf("device %q not registered", step.Device))
		}
	}

	if step.Retry != nil {
		if step.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
		}
		if step.Action != "set" && step.Action != "read" {
			result.AddWarning(path+".retry", schema.ErrCodeValidation,
				fmt.Sprintf("retry has no effect on %q instructions", step.Action))
		}
	}
}
