package suspend

import (
	"context"

	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/pkg/schema"
)

// During wraps inner so the given suspenders are installed before its first
// instruction and removed after its last, whether inner completed, faulted
// or was interrupted. The monitored conditions only govern the wrapped
// section of the run.
func During(inner plan.Plan, sv *Supervisor, cfgs ...Config) plan.Plan {
	name := inner.Name() + ":suspend-during"
	return plan.NewFunc(name, func() plan.NextFunc {
		var it plan.Iterator
		var installed []string

		remove := func() {
			for _, n := range installed {
				_ = sv.Remove(n)
			}
			installed = nil
		}

		return func(ctx context.Context, prev plan.Outcome) (*schema.Msg, error) {
			if it == nil {
				for _, cfg := range cfgs {
					if _, err := sv.Install(cfg); err != nil {
						remove()
						return nil, err
					}
					installed = append(installed, cfg.Name)
				}
				it = inner.Iterator()
			}
			msg, err := it.Next(ctx, prev)
			if err != nil {
				remove()
				return nil, err
			}
			return msg, nil
		}
	})
}
