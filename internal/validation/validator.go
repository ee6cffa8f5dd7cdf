package validation

import "github.com/maraver/planline/pkg/schema"

// Validator checks plan definitions and run inputs before execution.
type Validator interface {
	ValidateDefinition(def *schema.PlanDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
