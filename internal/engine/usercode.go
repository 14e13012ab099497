package engine

import (
	"context"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/sandbox"
	"github.com/apirun/apirun/pkg/log"
)

// runUserCode hands the definition's code string to the sandbox. The
// sandbox enforces isolation and the wall-clock bound; the engine only
// assembles the capability set.
func (e *Engine) runUserCode(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (any, error) {
	cfg := def.HandlerConfig
	if cfg.Code == "" {
		return nil, apierrors.New(apierrors.KindConfiguration, "handlerConfig.code is required")
	}

	sandboxContext := map[string]any{
		"endpointId":    ectx.EndpointID,
		"applicationId": ectx.ApplicationID,
		"executionId":   ectx.ExecutionID,
	}
	if ectx.User != nil {
		sandboxContext["user"] = map[string]any{
			"id":       ectx.User.ID,
			"username": ectx.User.Username,
			"email":    ectx.User.Email,
		}
	}
	for k, v := range ectx.Extra {
		sandboxContext[k] = v
	}

	return e.sandbox.Run(ctx, cfg.Code, sandbox.Options{
		Request:        requestEnv(req),
		Context:        sandboxContext,
		AllowedModules: cfg.AllowedModules,
		Timeout:        e.cfg.SandboxTimeout,
		Log:            log.WithExecID(ectx.ExecutionID, e.log),
	})
}
