package compile

import (
	"fmt"
	"time"

	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/pkg/schema"
)

// Compile turns a declarative plan definition into an executable Plan.
// Steps become the inner plan; cleanup, on_error and on_success wire through
// the contingency wrapper so cleanup always runs last, whatever the outcome.
// ${{ }} references in step values and device names are left in place: the
// engine resolves them at execution time against the live scope.
func Compile(def *schema.PlanDefinition) (plan.Plan, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan definition has no name")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan definition has no steps")
	}

	body, err := compileBlock(def.Name, "steps", def.Steps)
	if err != nil {
		return nil, err
	}

	opts := plan.ContingencyOptions{}
	hooked := false

	if len(def.Cleanup) > 0 {
		final, err := compileBlock(def.Name+":cleanup", "cleanup", def.Cleanup)
		if err != nil {
			return nil, err
		}
		opts.Final = final
		hooked = true
	}
	if len(def.OnError) > 0 {
		handler, err := compileBlock(def.Name+":on_error", "on_error", def.OnError)
		if err != nil {
			return nil, err
		}
		opts.OnError = func(error) plan.Plan { return handler }
		hooked = true
	}
	if len(def.OnSuccess) > 0 {
		success, err := compileBlock(def.Name+":on_success", "on_success", def.OnSuccess)
		if err != nil {
			return nil, err
		}
		opts.OnSuccess = success
		hooked = true
	}

	if !hooked {
		return body, nil
	}
	return plan.Contingency(body, opts), nil
}

func compileBlock(name, block string, steps []schema.StepDefinition) (plan.Plan, error) {
	msgs := make([]*schema.Msg, 0, len(steps))
	for i := range steps {
		msg, err := compileStep(&steps[i])
		if err != nil {
			var pe *schema.PlanError
			if e, ok := err.(*schema.PlanError); ok {
				pe = e
			} else {
				pe = schema.NewError(schema.ErrCodeValidation, err.Error())
			}
			pe.Details = map[string]any{"block": block, "index": i}
			return nil, pe
		}
		msgs = append(msgs, msg)
	}
	return plan.NewSequence(name, msgs...), nil
}

func compileStep(step *schema.StepDefinition) (*schema.Msg, error) {
	switch step.Action {
	case "set":
		if step.Device == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "set requires a device")
		}
		return schema.Set(step.Device, step.Value).WithRetry(step.Retry), nil

	case "read":
		if step.Device == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "read requires a device")
		}
		return schema.Read(step.Device).WithRetry(step.Retry), nil

	case "sleep":
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sleep duration %q", step.Duration)
		}
		return schema.Sleep(d), nil

	case "wait_for":
		if step.Condition == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "wait_for requires a condition")
		}
		var timeout time.Duration
		if step.Timeout != "" {
			var err error
			timeout, err = time.ParseDuration(step.Timeout)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid wait_for timeout %q", step.Timeout)
			}
		}
		if step.Device != "" {
			return schema.WaitForDevice(step.Device, step.Condition, timeout), nil
		}
		return schema.WaitFor(step.Condition, timeout), nil

	case "checkpoint":
		return schema.Checkpoint(), nil

	case "log":
		if step.Message == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "log requires a message")
		}
		return schema.Log(step.Message), nil

	default:
		return nil, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("unknown action %q", step.Action))
	}
}
