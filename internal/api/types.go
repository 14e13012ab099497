package api

import (
	"encoding/json"
	"time"

	"github.com/apirun/apirun/internal/apierrors"
)

// HandlerKind selects the execution strategy for an endpoint.
type HandlerKind string

const (
	HandlerFormula      HandlerKind = "formula"
	HandlerExternalHTTP HandlerKind = "external_http"
	HandlerWorkflow     HandlerKind = "workflow"
	HandlerUserCode     HandlerKind = "user_code"
	HandlerEntityOp     HandlerKind = "entity_op"
)

// EndpointDefinition is the declarative record describing one
// runtime-dispatched HTTP endpoint. The runtime consumes definitions
// read-only; the administrative API owns their lifecycle.
type EndpointDefinition struct {
	ID            string          `json:"id"`
	Path          string          `json:"path"`
	Method        string          `json:"method"`
	Enabled       bool            `json:"enabled"`
	HandlerKind   HandlerKind     `json:"handlerKind"`
	HandlerConfig HandlerConfig   `json:"handlerConfig"`
	RequestSchema json.RawMessage `json:"requestSchema,omitempty"`
	// ResponseSchema validates the produced result before it is enveloped.
	ResponseSchema json.RawMessage      `json:"responseSchema,omitempty"`
	AuthRequired   bool                 `json:"authRequired"`
	CORS           *CORSPolicy          `json:"cors,omitempty"`
	RateLimit      *RateLimitPolicy     `json:"rateLimit,omitempty"`
	ResponseCache  *ResponseCachePolicy `json:"responseCache,omitempty"`
	ApplicationID  string               `json:"applicationId,omitempty"`
	// TimeoutMillis bounds the whole invocation; the effective deadline is
	// min(TimeoutMillis, engine default).
	TimeoutMillis int64     `json:"timeoutMillis,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// HandlerConfig is the tagged record whose meaningful fields depend on the
// endpoint's HandlerKind. Unused fields stay empty and are omitted on the
// wire.
type HandlerConfig struct {
	// formula
	Expression string `json:"expression,omitempty"`

	// external_http
	URL               string            `json:"url,omitempty"`
	Method            string            `json:"method,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	TimeoutMillis     int64             `json:"timeoutMillis,omitempty"`
	TransformRequest  string            `json:"transformRequest,omitempty"`
	TransformResponse string            `json:"transformResponse,omitempty"`

	// workflow
	WorkflowID    string            `json:"workflowId,omitempty"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	OutputMapping map[string]string `json:"outputMapping,omitempty"`

	// user_code
	Code           string   `json:"code,omitempty"`
	AllowedModules []string `json:"allowedModules,omitempty"`

	// entity_op
	EntityID  string         `json:"entityId,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	SortBy    string         `json:"sortBy,omitempty"`
	SortOrder string         `json:"sortOrder,omitempty"`
}

type CORSPolicy struct {
	Enabled        bool     `json:"enabled"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	AllowedMethods []string `json:"allowedMethods,omitempty"`
}

// Rate-limit keying policies.
const (
	RateLimitKeyIP   = "ip"
	RateLimitKeyUser = "user"
)

type RateLimitPolicy struct {
	Enabled       bool   `json:"enabled"`
	WindowSeconds int    `json:"windowSeconds"`
	MaxRequests   int    `json:"maxRequests"`
	KeyingPolicy  string `json:"keyingPolicy,omitempty"`
}

type ResponseCachePolicy struct {
	Enabled    bool     `json:"enabled"`
	TTLSeconds int      `json:"ttlSeconds"`
	VaryOn     []string `json:"varyOn,omitempty"`
}

// EndpointStats is the persisted per-definition counter block. It lives
// apart from the configuration snapshot so metric writers never contend
// with configuration readers.
type EndpointStats struct {
	CallCount      int64      `json:"callCount"`
	ErrorCount     int64      `json:"errorCount"`
	TotalLatencyNs int64      `json:"totalLatencyNs"`
	LastInvokedAt  *time.Time `json:"lastInvokedAt,omitempty"`
}

// Identity is the authenticated caller, or nil for anonymous traffic.
type Identity struct {
	ID       string         `json:"id"`
	Username string         `json:"username,omitempty"`
	Email    string         `json:"email,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// Request is the parsed inbound request handed to handlers. Body holds the
// decoded JSON value when the content type is JSON, otherwise the opaque
// payload as a base64 string; RawBody always holds the original bytes.
type Request struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Params    map[string]string `json:"params,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	RawBody   []byte            `json:"-"`
	RemoteIP  string            `json:"-"`
	UserAgent string            `json:"-"`
}

// ExecutionContext is the per-invocation data bag passed into handlers and
// expressions. It lives only for the duration of one request.
type ExecutionContext struct {
	ExecutionID   string         `json:"executionId"`
	EndpointID    string         `json:"endpointId"`
	ApplicationID string         `json:"applicationId,omitempty"`
	User          *Identity      `json:"user,omitempty"`
	ClientIP      string         `json:"clientIp,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	Now           time.Time      `json:"now"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Envelope is the uniform result shape returned to clients.
type Envelope struct {
	Success            bool             `json:"success"`
	Data               any              `json:"data,omitempty"`
	Error              *apierrors.Error `json:"error,omitempty"`
	ExecutionID        string           `json:"executionId"`
	ResponseTimeMillis int64            `json:"responseTimeMillis"`
	Timestamp          time.Time        `json:"timestamp"`
}

// HTTPStatus maps the envelope to its wire status.
func (e *Envelope) HTTPStatus() int {
	if e.Success {
		return 200
	}
	if e.Error != nil {
		return e.Error.Kind.HTTPStatus()
	}
	return 500
}
