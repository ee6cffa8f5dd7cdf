package plan

import (
	"context"
	"errors"

	"github.com/maraver/planline/pkg/schema"
)

// ContingencyOptions configures the error/success/finalization hooks of a
// Contingency wrapper. All hooks are optional.
type ContingencyOptions struct {
	// OnError builds the error-handling plan from the fault. Runs after the
	// inner plan faults or is interrupted, before Final.
	OnError func(err error) Plan
	// OnSuccess runs after fault-free completion of the inner plan, before Final.
	OnSuccess Plan
	// Final always runs, exactly once, last.
	Final Plan
	// SwallowFault suppresses re-raising a plan fault after cleanup.
	// Interruptions are never swallowed: the engine must observe them to
	// reach its terminal state.
	SwallowFault bool
}

// Contingency wraps inner with try/except/else/finally semantics over the
// instruction stream. Ordering: inner instructions, then the error-or-success
// plan, then the finalization plan — final always last. Faults and external
// interruptions both take the error path; a fault re-raises after cleanup,
// an interruption always re-raises.
//
// A fault raised by the finalization plan itself propagates and masks the
// original fault; the original is preserved as the cause.
func Contingency(inner Plan, opts ContingencyOptions) Plan {
	name := inner.Name() + ":contingency"
	return NewFunc(name, func() NextFunc {
		const (
			phaseInner = iota
			phaseHook
			phaseFinal
			phaseDone
		)
		phase := phaseInner
		it := inner.Iterator()
		var hook Iterator
		var final Iterator
		var outcome error // what to report once final has drained

		return func(ctx context.Context, prev Outcome) (*schema.Msg, error) {
			for {
				switch phase {
				case phaseInner:
					msg, err := it.Next(ctx, prev)
					if err == nil {
						return msg, nil
					}
					outcome = err
					if err == Done {
						if opts.OnSuccess != nil {
							hook = opts.OnSuccess.Iterator()
						}
					} else if opts.OnError != nil {
						if h := opts.OnError(err); h != nil {
							hook = h.Iterator()
						}
					}
					phase = phaseHook
					prev = Outcome{}

				case phaseHook:
					if hook == nil {
						phase = phaseFinal
						continue
					}
					msg, err := hook.Next(ctx, prev)
					if err == nil {
						return msg, nil
					}
					if err != Done {
						// The handler plan itself failed. It supersedes the
						// original outcome; keep the original as cause.
						outcome = chainFault(err, outcome)
					}
					hook = nil
					phase = phaseFinal
					prev = Outcome{}

				case phaseFinal:
					if final == nil {
						if opts.Final == nil {
							phase = phaseDone
							continue
						}
						final = opts.Final.Iterator()
					}
					msg, err := final.Next(ctx, prev)
					if err == nil {
						return msg, nil
					}
					if err != Done {
						// Finalization fault: propagates and masks the
						// original outcome (known sharp edge).
						outcome = chainFault(err, outcome)
					}
					phase = phaseDone
					prev = Outcome{}

				case phaseDone:
					if outcome == Done {
						return nil, Done
					}
					if opts.SwallowFault && !schema.IsInterruption(outcome) {
						return nil, Done
					}
					return nil, outcome
				}
			}
		}
	})
}

// Finalize wraps inner so that final always runs, exactly once, after the
// inner plan's last instruction — whether inner completed, faulted or was
// externally interrupted. The inner plan's outcome is re-raised after final.
func Finalize(inner, final Plan) Plan {
	return Contingency(inner, ContingencyOptions{Final: final})
}

// chainFault attaches original as the cause of next, unless original was a
// clean completion.
func chainFault(next, original error) error {
	if original == nil || original == Done {
		return next
	}
	var pe *schema.PlanError
	if errors.As(next, &pe) && pe.Cause == nil {
		pe.Cause = original
		if pe.Details == nil {
			pe.Details = map[string]any{}
		}
		pe.Details["masked_error"] = original.Error()
		return pe
	}
	return next
}
