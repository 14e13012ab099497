package engine

import (
	"context"
	"errors"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/expreval"
)

// runFormula evaluates the definition's expression over the invocation
// context. The evaluator's output is the handler result as-is.
func (e *Engine) runFormula(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (any, error) {
	expression := def.HandlerConfig.Expression
	if expression == "" {
		return nil, apierrors.New(apierrors.KindConfiguration, "handlerConfig.expression is required")
	}
	result, err := e.evaluator.Evaluate(expression, expressionEnv(req, ectx))
	if err != nil {
		var compileErr *expreval.CompileError
		if errors.As(err, &compileErr) {
			return nil, apierrors.Newf(apierrors.KindConfiguration, "formula does not compile: %v", compileErr.Err)
		}
		return nil, apierrors.Newf(apierrors.KindInternal, "formula evaluation failed: %v", err)
	}
	return result, nil
}
