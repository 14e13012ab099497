package engine

import (
	"context"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

// runWorkflow starts the configured workflow and waits for its completion.
// There is no progress streaming; the gateway is call-and-wait.
func (e *Engine) runWorkflow(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (any, error) {
	cfg := def.HandlerConfig
	if cfg.WorkflowID == "" {
		return nil, apierrors.New(apierrors.KindConfiguration, "handlerConfig.workflowId is required")
	}
	if e.workflows == nil {
		return nil, apierrors.New(apierrors.KindConfiguration, "no workflow engine is configured")
	}

	input, err := e.workflowInput(cfg, req, ectx)
	if err != nil {
		return nil, err
	}

	result, err := e.workflows.Execute(ctx, cfg.WorkflowID, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierrors.Newf(apierrors.KindWorkflow, "workflow %s failed: %v", cfg.WorkflowID, err)
	}

	if len(cfg.OutputMapping) == 0 {
		return result, nil
	}
	env := expressionEnv(req, ectx)
	env["result"] = result
	output := make(map[string]any, len(cfg.OutputMapping))
	for field, expression := range cfg.OutputMapping {
		value, err := e.evaluator.Evaluate(expression, env)
		if err != nil {
			return nil, apierrors.Newf(apierrors.KindConfiguration, "outputMapping[%s] failed: %v", field, err)
		}
		output[field] = value
	}
	return output, nil
}

// workflowInput builds the workflow's input: the evaluated inputMapping
// when present, otherwise the merged body and query (body fields win).
func (e *Engine) workflowInput(cfg api.HandlerConfig, req *api.Request, ectx *api.ExecutionContext) (map[string]any, error) {
	if len(cfg.InputMapping) > 0 {
		env := expressionEnv(req, ectx)
		input := make(map[string]any, len(cfg.InputMapping))
		for field, expression := range cfg.InputMapping {
			value, err := e.evaluator.Evaluate(expression, env)
			if err != nil {
				return nil, apierrors.Newf(apierrors.KindConfiguration, "inputMapping[%s] failed: %v", field, err)
			}
			input[field] = value
		}
		return input, nil
	}

	input := make(map[string]any, len(req.Query))
	for k, v := range req.Query {
		input[k] = v
	}
	if body, ok := req.Body.(map[string]any); ok {
		for k, v := range body {
			input[k] = v
		}
	}
	return input, nil
}
