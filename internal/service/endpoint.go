package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/cache"
	"github.com/apirun/apirun/internal/ratelimit"
	"github.com/apirun/apirun/internal/respcache"
	"github.com/apirun/apirun/internal/store"
)

// ServiceHandler owns the endpoint-definition lifecycle. Every successful
// mutation eagerly invalidates the runtime's caches so dispatch observes
// the change within one request, not one TTL.
type ServiceHandler struct {
	store       store.Store
	definitions *cache.DefinitionCache
	responses   *respcache.Cache
	rateLimits  *ratelimit.Limiter
	log         logrus.FieldLogger
}

func NewServiceHandler(st store.Store, definitions *cache.DefinitionCache, responses *respcache.Cache, rateLimits *ratelimit.Limiter, log logrus.FieldLogger) *ServiceHandler {
	return &ServiceHandler{
		store:       st,
		definitions: definitions,
		responses:   responses,
		rateLimits:  rateLimits,
		log:         log,
	}
}

func (h *ServiceHandler) CreateEndpoint(ctx context.Context, def api.EndpointDefinition) (*api.EndpointDefinition, error) {
	def.Method = strings.ToUpper(def.Method)
	if errs := def.Validate(); len(errs) > 0 {
		return nil, apierrors.New(apierrors.KindValidation, errors.Join(errs...).Error())
	}
	created, err := h.store.Endpoint().Create(ctx, &def)
	if err != nil {
		return nil, err
	}
	h.invalidate(ctx, created.ID)
	return created, nil
}

func (h *ServiceHandler) ListEndpoints(ctx context.Context, params store.ListParams) ([]api.EndpointDefinition, error) {
	return h.store.Endpoint().List(ctx, params)
}

func (h *ServiceHandler) GetEndpoint(ctx context.Context, id string) (*api.EndpointDefinition, error) {
	return h.store.Endpoint().Get(ctx, id)
}

func (h *ServiceHandler) ReplaceEndpoint(ctx context.Context, id string, def api.EndpointDefinition) (*api.EndpointDefinition, error) {
	def.ID = id
	def.Method = strings.ToUpper(def.Method)
	if errs := def.Validate(); len(errs) > 0 {
		return nil, apierrors.New(apierrors.KindValidation, errors.Join(errs...).Error())
	}
	updated, err := h.store.Endpoint().Update(ctx, &def)
	if err != nil {
		return nil, err
	}
	h.invalidate(ctx, id)
	return updated, nil
}

func (h *ServiceHandler) DeleteEndpoint(ctx context.Context, id string) error {
	if err := h.store.Endpoint().Delete(ctx, id); err != nil {
		return err
	}
	h.invalidate(ctx, id)
	return nil
}

func (h *ServiceHandler) GetEndpointStats(ctx context.Context, id string) (*api.EndpointStats, error) {
	return h.store.Endpoint().GetStats(ctx, id)
}

func (h *ServiceHandler) invalidate(ctx context.Context, id string) {
	if h.definitions != nil {
		h.definitions.Invalidate(id)
	}
	if h.rateLimits != nil {
		h.rateLimits.Invalidate(id)
	}
	if h.responses != nil {
		h.responses.InvalidateEndpoint(ctx, id)
	}
}
