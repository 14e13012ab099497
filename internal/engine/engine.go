package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/expreval"
	"github.com/apirun/apirun/internal/sandbox"
)

// EntityService provides the five operations the entity_op handler is built
// on. The default implementation lives in internal/entities; hosts may
// substitute their own domain-entity service.
type EntityService interface {
	List(ctx context.Context, entityID string, query EntityQuery) ([]map[string]any, error)
	Get(ctx context.Context, entityID, recordID string) (map[string]any, error)
	Create(ctx context.Context, entityID string, data map[string]any, userID string) (map[string]any, error)
	Update(ctx context.Context, entityID, recordID string, data map[string]any, userID string) (map[string]any, error)
	Delete(ctx context.Context, entityID, recordID, userID string) error
}

type EntityQuery struct {
	Filters   map[string]any
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// WorkflowEngine starts a workflow and waits for its result.
type WorkflowEngine interface {
	Execute(ctx context.Context, workflowID string, input map[string]any) (any, error)
}

// Config carries the engine-wide defaults; per-definition settings override
// them downward, never upward.
type Config struct {
	SandboxTimeout  time.Duration
	OutboundTimeout time.Duration
	// DefaultTimeout bounds a whole invocation when the definition does not
	// set a tighter one.
	DefaultTimeout time.Duration
	UserAgent      string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SandboxTimeout <= 0 {
		out.SandboxTimeout = sandbox.DefaultTimeout
	}
	if out.OutboundTimeout <= 0 {
		out.OutboundTimeout = 30 * time.Second
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 60 * time.Second
	}
	if out.UserAgent == "" {
		out.UserAgent = "apirun-runtime/1.0"
	}
	return out
}

// Engine is the strategy dispatcher. Execute never fails out to the
// transport layer; every outcome is an envelope.
type Engine struct {
	cfg       Config
	evaluator expreval.Evaluator
	sandbox   sandbox.Executor
	entities  EntityService
	workflows WorkflowEngine
	client    *http.Client
	log       logrus.FieldLogger
}

func New(cfg Config, evaluator expreval.Evaluator, sbx sandbox.Executor, entities EntityService, workflows WorkflowEngine, log logrus.FieldLogger) *Engine {
	resolved := cfg.withDefaults()
	return &Engine{
		cfg:       resolved,
		evaluator: evaluator,
		sandbox:   sbx,
		entities:  entities,
		workflows: workflows,
		// Per-call deadlines come from request contexts; the client itself
		// stays unbounded so it can be shared across endpoints.
		client: &http.Client{},
		log:    log,
	}
}

func (e *Engine) Execute(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) *api.Envelope {
	started := time.Now()

	result, err := e.execute(ctx, def, req, ectx)

	envelope := &api.Envelope{
		ExecutionID:        ectx.ExecutionID,
		ResponseTimeMillis: time.Since(started).Milliseconds(),
		Timestamp:          time.Now().UTC(),
	}
	if err != nil {
		envelope.Error = apierrors.FromError(err)
		return envelope
	}
	envelope.Success = true
	envelope.Data = result
	return envelope
}

func (e *Engine) execute(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("endpoint_id", def.ID).Errorf("handler panicked: %v", r)
			result = nil
			err = apierrors.Newf(apierrors.KindInternal, "handler panicked: %v", r)
		}
	}()

	if !def.Enabled {
		return nil, apierrors.New(apierrors.KindDisabled, "endpoint is disabled")
	}

	if err := validateAgainstSchema(def.RequestSchema, req.Body, apierrors.KindValidation); err != nil {
		return nil, err
	}

	deadline := e.cfg.DefaultTimeout
	if def.TimeoutMillis > 0 {
		if d := time.Duration(def.TimeoutMillis) * time.Millisecond; d < deadline {
			deadline = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	switch def.HandlerKind {
	case api.HandlerFormula:
		result, err = e.runFormula(ctx, def, req, ectx)
	case api.HandlerExternalHTTP:
		result, err = e.runExternalHTTP(ctx, def, req, ectx)
	case api.HandlerWorkflow:
		result, err = e.runWorkflow(ctx, def, req, ectx)
	case api.HandlerUserCode:
		result, err = e.runUserCode(ctx, def, req, ectx)
	case api.HandlerEntityOp:
		result, err = e.runEntityOp(ctx, def, req, ectx)
	default:
		return nil, apierrors.Newf(apierrors.KindConfiguration, "unknown handler kind %q", def.HandlerKind)
	}
	if err != nil {
		return nil, err
	}

	if err := validateAgainstSchema(def.ResponseSchema, result, apierrors.KindValidationOut); err != nil {
		return nil, err
	}
	return result, nil
}

// expressionEnv is the context mapping shared by formula evaluation and the
// outbound/workflow transforms.
func expressionEnv(req *api.Request, ectx *api.ExecutionContext) map[string]any {
	env := map[string]any{
		"request": requestEnv(req),
		"now":     ectx.Now,
		"env": map[string]any{
			"endpointId":    ectx.EndpointID,
			"applicationId": ectx.ApplicationID,
			"executionId":   ectx.ExecutionID,
		},
	}
	if ectx.User != nil {
		env["user"] = map[string]any{
			"id":       ectx.User.ID,
			"username": ectx.User.Username,
			"email":    ectx.User.Email,
		}
	}
	if ectx.Extra != nil {
		env["context"] = ectx.Extra
	}
	return env
}

func requestEnv(req *api.Request) map[string]any {
	return map[string]any{
		"body":    req.Body,
		"query":   toAnyMap(req.Query),
		"params":  toAnyMap(req.Params),
		"headers": toAnyMap(req.Headers),
	}
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
