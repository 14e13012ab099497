package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apirun/apirun/internal/api"
)

// Endpoint is the database representation of an endpoint definition. The
// configuration snapshot and the invocation counters live in the same row
// but are written by disjoint code paths: configuration columns only change
// through the administrative API, counters only through atomic updates in
// RecordInvocation.
type Endpoint struct {
	ID      string `gorm:"type:uuid;primary_key"`
	Path    string `gorm:"index:idx_endpoint_route"`
	Method  string `gorm:"index:idx_endpoint_route"`
	Enabled bool   `gorm:"index"`

	HandlerKind    string                           `gorm:"index"`
	HandlerConfig  *JSONField[api.HandlerConfig]    `gorm:"type:jsonb"`
	RequestSchema  string                           `gorm:"type:jsonb"`
	ResponseSchema string                           `gorm:"type:jsonb"`
	AuthRequired   bool                             `gorm:""`
	CORS           *JSONField[api.CORSPolicy]       `gorm:"column:cors;type:jsonb"`
	RateLimit      *JSONField[api.RateLimitPolicy]  `gorm:"type:jsonb"`
	ResponseCache  *JSONField[api.ResponseCachePolicy] `gorm:"type:jsonb"`
	ApplicationID  string                           `gorm:"index"`
	TimeoutMillis  int64

	// Counter block, see RecordInvocation.
	CallCount      int64 `gorm:"default:0"`
	ErrorCount     int64 `gorm:"default:0"`
	TotalLatencyNs int64 `gorm:"default:0"`
	LastInvokedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (e Endpoint) String() string {
	val, _ := json.Marshal(e)
	return string(val)
}

func (e *Endpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func NewEndpointFromApiResource(resource *api.EndpointDefinition) *Endpoint {
	if resource == nil {
		return &Endpoint{}
	}
	e := &Endpoint{
		ID:             resource.ID,
		Path:           resource.Path,
		Method:         strings.ToUpper(resource.Method),
		Enabled:        resource.Enabled,
		HandlerKind:    string(resource.HandlerKind),
		HandlerConfig:  MakeJSONField(resource.HandlerConfig),
		RequestSchema:  string(resource.RequestSchema),
		ResponseSchema: string(resource.ResponseSchema),
		AuthRequired:   resource.AuthRequired,
		ApplicationID:  resource.ApplicationID,
		TimeoutMillis:  resource.TimeoutMillis,
	}
	if resource.CORS != nil {
		e.CORS = MakeJSONField(*resource.CORS)
	}
	if resource.RateLimit != nil {
		e.RateLimit = MakeJSONField(*resource.RateLimit)
	}
	if resource.ResponseCache != nil {
		e.ResponseCache = MakeJSONField(*resource.ResponseCache)
	}
	return e
}

func (e *Endpoint) ToApiResource() api.EndpointDefinition {
	if e == nil {
		return api.EndpointDefinition{}
	}
	def := api.EndpointDefinition{
		ID:             e.ID,
		Path:           e.Path,
		Method:         e.Method,
		Enabled:        e.Enabled,
		HandlerKind:    api.HandlerKind(e.HandlerKind),
		RequestSchema:  rawMessage(e.RequestSchema),
		ResponseSchema: rawMessage(e.ResponseSchema),
		AuthRequired:   e.AuthRequired,
		ApplicationID:  e.ApplicationID,
		TimeoutMillis:  e.TimeoutMillis,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.HandlerConfig != nil {
		def.HandlerConfig = e.HandlerConfig.Data
	}
	if e.CORS != nil {
		def.CORS = &e.CORS.Data
	}
	if e.RateLimit != nil {
		def.RateLimit = &e.RateLimit.Data
	}
	if e.ResponseCache != nil {
		def.ResponseCache = &e.ResponseCache.Data
	}
	return def
}

func (e *Endpoint) ToApiStats() api.EndpointStats {
	return api.EndpointStats{
		CallCount:      e.CallCount,
		ErrorCount:     e.ErrorCount,
		TotalLatencyNs: e.TotalLatencyNs,
		LastInvokedAt:  e.LastInvokedAt,
	}
}

func rawMessage(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

type EndpointList []Endpoint

func (l EndpointList) ToApiResource() []api.EndpointDefinition {
	out := make([]api.EndpointDefinition, 0, len(l))
	for i := range l {
		out = append(out, l[i].ToApiResource())
	}
	return out
}
