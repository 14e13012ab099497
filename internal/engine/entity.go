package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

// runEntityOp performs one declarative CRUD operation against the entity
// service. Inputs follow the operation table: list merges config filters
// with the query, everything else resolves a record id from the request.
func (e *Engine) runEntityOp(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (any, error) {
	cfg := def.HandlerConfig
	if cfg.EntityID == "" {
		return nil, apierrors.New(apierrors.KindConfiguration, "handlerConfig.entityId is required")
	}
	if e.entities == nil {
		return nil, apierrors.New(apierrors.KindConfiguration, "no entity service is configured")
	}

	operation := cfg.Operation
	if operation == "" {
		operation = api.EntityOpList
	}
	userID := ""
	if ectx.User != nil {
		userID = ectx.User.ID
	}

	switch operation {
	case api.EntityOpList:
		records, err := e.entities.List(ctx, cfg.EntityID, e.listQuery(cfg, req))
		if err != nil {
			return nil, entityError(cfg.EntityID, err)
		}
		return records, nil

	case api.EntityOpGet:
		recordID := firstNonEmpty(req.Params["id"], req.Query["id"])
		if recordID == "" {
			return nil, apierrors.New(apierrors.KindValidation, "record id is required (params.id or query.id)")
		}
		record, err := e.entities.Get(ctx, cfg.EntityID, recordID)
		if err != nil {
			return nil, entityError(cfg.EntityID, err)
		}
		return record, nil

	case api.EntityOpCreate:
		data, err := bodyAsMap(req)
		if err != nil {
			return nil, err
		}
		record, err := e.entities.Create(ctx, cfg.EntityID, data, userID)
		if err != nil {
			return nil, entityError(cfg.EntityID, err)
		}
		return record, nil

	case api.EntityOpUpdate:
		data, err := bodyAsMap(req)
		if err != nil {
			return nil, err
		}
		recordID := req.Params["id"]
		if recordID == "" {
			recordID, _ = data["id"].(string)
		}
		if recordID == "" {
			return nil, apierrors.New(apierrors.KindValidation, "record id is required (params.id or body.id)")
		}
		record, err := e.entities.Update(ctx, cfg.EntityID, recordID, data, userID)
		if err != nil {
			return nil, entityError(cfg.EntityID, err)
		}
		return record, nil

	case api.EntityOpDelete:
		recordID := firstNonEmpty(req.Params["id"], req.Query["id"])
		if recordID == "" {
			return nil, apierrors.New(apierrors.KindValidation, "record id is required (params.id or query.id)")
		}
		if err := e.entities.Delete(ctx, cfg.EntityID, recordID, userID); err != nil {
			return nil, entityError(cfg.EntityID, err)
		}
		return map[string]any{"deleted": true, "id": recordID}, nil

	default:
		return nil, apierrors.Newf(apierrors.KindConfiguration, "unknown entity operation %q", operation)
	}
}

// listQuery merges the definition's filters with the request query. Query
// parameters override config for the paging and sorting knobs; the reserved
// names never become filters.
func (e *Engine) listQuery(cfg api.HandlerConfig, req *api.Request) EntityQuery {
	query := EntityQuery{
		Filters:   map[string]any{},
		Limit:     cfg.Limit,
		Offset:    cfg.Offset,
		SortBy:    cfg.SortBy,
		SortOrder: cfg.SortOrder,
	}
	for k, v := range cfg.Filters {
		query.Filters[k] = v
	}
	for k, v := range req.Query {
		switch k {
		case "limit":
			if n, err := strconv.Atoi(v); err == nil {
				query.Limit = n
			}
		case "offset":
			if n, err := strconv.Atoi(v); err == nil {
				query.Offset = n
			}
		case "sortBy":
			query.SortBy = v
		case "sortOrder":
			query.SortOrder = v
		default:
			query.Filters[k] = v
		}
	}
	return query
}

func bodyAsMap(req *api.Request) (map[string]any, error) {
	if req.Body == nil {
		return map[string]any{}, nil
	}
	data, ok := req.Body.(map[string]any)
	if !ok {
		return nil, apierrors.New(apierrors.KindValidation, "request body must be a JSON object")
	}
	return data, nil
}

func entityError(entityID string, err error) error {
	if errors.Is(err, apierrors.ErrRecordNotFound) {
		return apierrors.Newf(apierrors.KindNotFound, "record not found in entity %s", entityID)
	}
	return apierrors.New(apierrors.KindEntity, fmt.Sprintf("entity service failed: %v", err))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
