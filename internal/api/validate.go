package api

import (
	"fmt"
	"net/http"
	"strings"
)

var knownMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Entity operations accepted by the entity_op handler.
const (
	EntityOpList   = "list"
	EntityOpGet    = "get"
	EntityOpCreate = "create"
	EntityOpUpdate = "update"
	EntityOpDelete = "delete"
)

// Validate checks the structural integrity of a definition, including the
// per-kind required handlerConfig fields. It returns all problems found.
func (d *EndpointDefinition) Validate() []error {
	var errs []error

	if d.Path == "" || !strings.HasPrefix(d.Path, "/") {
		errs = append(errs, fmt.Errorf("path must be absolute, got %q", d.Path))
	}
	if _, ok := knownMethods[strings.ToUpper(d.Method)]; !ok {
		errs = append(errs, fmt.Errorf("unsupported method %q", d.Method))
	}

	switch d.HandlerKind {
	case HandlerFormula:
		if d.HandlerConfig.Expression == "" {
			errs = append(errs, fmt.Errorf("handlerConfig.expression is required for formula endpoints"))
		}
	case HandlerExternalHTTP:
		if d.HandlerConfig.URL == "" {
			errs = append(errs, fmt.Errorf("handlerConfig.url is required for external_http endpoints"))
		}
	case HandlerWorkflow:
		if d.HandlerConfig.WorkflowID == "" {
			errs = append(errs, fmt.Errorf("handlerConfig.workflowId is required for workflow endpoints"))
		}
	case HandlerUserCode:
		if d.HandlerConfig.Code == "" {
			errs = append(errs, fmt.Errorf("handlerConfig.code is required for user_code endpoints"))
		}
	case HandlerEntityOp:
		if d.HandlerConfig.EntityID == "" {
			errs = append(errs, fmt.Errorf("handlerConfig.entityId is required for entity_op endpoints"))
		}
		if op := d.HandlerConfig.Operation; op != "" {
			switch op {
			case EntityOpList, EntityOpGet, EntityOpCreate, EntityOpUpdate, EntityOpDelete:
			default:
				errs = append(errs, fmt.Errorf("unknown entity operation %q", op))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown handler kind %q", d.HandlerKind))
	}

	if rl := d.RateLimit; rl != nil && rl.Enabled {
		if rl.WindowSeconds <= 0 || rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("rateLimit requires positive windowSeconds and maxRequests"))
		}
		switch rl.KeyingPolicy {
		case "", RateLimitKeyIP, RateLimitKeyUser:
		default:
			errs = append(errs, fmt.Errorf("unknown rate-limit keying policy %q", rl.KeyingPolicy))
		}
	}
	if rc := d.ResponseCache; rc != nil && rc.Enabled {
		if rc.TTLSeconds <= 0 {
			errs = append(errs, fmt.Errorf("responseCache requires a positive ttlSeconds"))
		}
		if strings.ToUpper(d.Method) != http.MethodGet {
			errs = append(errs, fmt.Errorf("responseCache is only supported on GET endpoints"))
		}
	}

	return errs
}
