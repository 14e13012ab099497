package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/auth"
	"github.com/apirun/apirun/internal/cache"
	"github.com/apirun/apirun/internal/engine"
	"github.com/apirun/apirun/internal/instrumentation"
	"github.com/apirun/apirun/internal/ratelimit"
	"github.com/apirun/apirun/internal/respcache"
	"github.com/apirun/apirun/pkg/log"
)

// InvocationRecorder persists the per-definition counter block. Satisfied
// by store.Endpoint.
type InvocationRecorder interface {
	RecordInvocation(ctx context.Context, id string, latency time.Duration, failed bool, at time.Time) error
}

// Dispatcher is the HTTP entry point for runtime-defined endpoints. It is
// mounted under the configured prefix with that prefix already stripped, so
// request paths match definition paths exactly.
type Dispatcher struct {
	definitions *cache.DefinitionCache
	engine      *engine.Engine
	limiter     *ratelimit.Limiter
	responses   *respcache.Cache
	tokens      auth.TokenValidator
	recorder    InvocationRecorder
	metrics     *instrumentation.Metrics
	log         logrus.FieldLogger
}

func NewDispatcher(
	definitions *cache.DefinitionCache,
	eng *engine.Engine,
	limiter *ratelimit.Limiter,
	responses *respcache.Cache,
	tokens auth.TokenValidator,
	recorder InvocationRecorder,
	metrics *instrumentation.Metrics,
	log logrus.FieldLogger,
) *Dispatcher {
	return &Dispatcher{
		definitions: definitions,
		engine:      eng,
		limiter:     limiter,
		responses:   responses,
		tokens:      tokens,
		recorder:    recorder,
		metrics:     metrics,
		log:         log,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := uuid.New().String()
	logger := log.WithReqIDFromCtx(ctx, d.log)

	// Preflights carry OPTIONS on the wire; the endpoint is keyed by the
	// method the caller intends to use.
	lookupMethod := r.Method
	if r.Method == http.MethodOptions {
		if requested := r.Header.Get("Access-Control-Request-Method"); requested != "" {
			lookupMethod = requested
		}
	}

	def, err := d.definitions.Resolve(ctx, r.URL.Path, lookupMethod)
	if err != nil {
		if errors.Is(err, apierrors.ErrRecordNotFound) {
			WriteEnvelope(w, failureEnvelope(executionID, apierrors.New(apierrors.KindNotFound, "no endpoint matches this path and method")))
			return
		}
		logger.Errorf("resolving endpoint %s %s: %v", lookupMethod, r.URL.Path, err)
		WriteEnvelope(w, failureEnvelope(executionID, apierrors.New(apierrors.KindInternal, "endpoint resolution failed")))
		return
	}

	switch evaluateCORS(w, r, def) {
	case corsForbidden:
		WriteEnvelope(w, failureEnvelope(executionID, apierrors.New(apierrors.KindForbidden, "origin is not allowed")))
		return
	case corsPreflight:
		return
	}

	identity, failure := d.authenticate(ctx, r, def)
	if failure != nil {
		WriteEnvelope(w, failureEnvelope(executionID, failure))
		return
	}

	if d.limiter.OnLimit(w, r, def, identity) {
		WriteEnvelope(w, failureEnvelope(executionID, apierrors.New(apierrors.KindRateLimited, "rate limit exceeded")))
		return
	}

	req, err := ParseRequest(r)
	if err != nil {
		WriteEnvelope(w, failureEnvelope(executionID, apierrors.FromError(err)))
		return
	}

	cacheable := r.Method == http.MethodGet && def.ResponseCache != nil && def.ResponseCache.Enabled
	var cacheKey string
	if cacheable {
		cacheKey = respcache.Key(def, req)
		if cached, ok := d.responses.Get(ctx, cacheKey); ok {
			WriteEnvelope(w, cached)
			return
		}
	}

	ectx := &api.ExecutionContext{
		ExecutionID:   executionID,
		EndpointID:    def.ID,
		ApplicationID: def.ApplicationID,
		User:          identity,
		ClientIP:      req.RemoteIP,
		UserAgent:     req.UserAgent,
		Now:           time.Now().UTC(),
	}

	started := time.Now()
	envelope := d.engine.Execute(ctx, def, req, ectx)
	duration := time.Since(started)

	d.record(def, envelope, duration)

	if cacheable && envelope.Success {
		d.responses.Store(ctx, cacheKey, envelope, def.ResponseCache.TTLSeconds)
	}

	WriteEnvelope(w, envelope)
}

func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request, def *api.EndpointDefinition) (*api.Identity, *apierrors.Error) {
	token, ok := auth.ExtractBearerToken(r)
	if !ok {
		if def.AuthRequired {
			return nil, apierrors.New(apierrors.KindUnauthenticated, "authentication required")
		}
		return nil, nil
	}
	if d.tokens == nil {
		if def.AuthRequired {
			return nil, apierrors.New(apierrors.KindUnauthenticated, "no token validator is configured")
		}
		return nil, nil
	}
	identity, err := d.tokens.Validate(ctx, token)
	if err != nil {
		if def.AuthRequired {
			return nil, apierrors.New(apierrors.KindUnauthenticated, "invalid credentials")
		}
		return nil, nil
	}
	return identity, nil
}

// record updates the durable counters and the process metrics. Failures
// here are observational and never affect the response; the store write
// happens off the request path so a slow database cannot delay the caller.
func (d *Dispatcher) record(def *api.EndpointDefinition, envelope *api.Envelope, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveInvocation(def.ID, string(def.HandlerKind), envelope.Success, duration)
	}
	if d.recorder == nil {
		return
	}
	at := time.Now().UTC()
	go func() {
		// Counter writes use their own context: an invocation that timed
		// out still counts.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.recorder.RecordInvocation(ctx, def.ID, duration, !envelope.Success, at); err != nil {
			d.log.Warnf("recording invocation for endpoint %s: %v", def.ID, err)
		}
	}()
}

func failureEnvelope(executionID string, failure *apierrors.Error) *api.Envelope {
	return &api.Envelope{
		Success:     false,
		Error:       failure,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}
