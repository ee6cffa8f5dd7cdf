package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/maraver/planline/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions, used for derived step values
// and template default expressions. The data map is the expression
// environment, so its keys are available as top-level variables.
type ExprEngine struct {
	cache *progCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against data, compiling it on first use.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.cache.lookup(expression, func(src string) (*vm.Program, error) {
		p, compileErr := expr.Compile(src,
			expr.Env(env),
			expr.AllowUndefinedVariables(),
		)
		if compileErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"expr compile error in %q: %s", src, compileErr.Error()).
				WithCause(compileErr).
				WithDetails(map[string]any{"expression": src})
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
