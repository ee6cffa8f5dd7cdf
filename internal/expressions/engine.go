package expressions

import "context"

// Engine evaluates expressions against run data.
// Three implementations: CEL (wait conditions and suspender trip conditions),
// GoJQ (document queries), Expr (step logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
