package store

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/store/model"
	"github.com/apirun/apirun/pkg/log"
)

// Endpoint is the definition store client: read access for the runtime,
// full lifecycle for the administrative API, and the atomic counter writes.
type Endpoint interface {
	InitialMigration() error
	Create(ctx context.Context, resource *api.EndpointDefinition) (*api.EndpointDefinition, error)
	Update(ctx context.Context, resource *api.EndpointDefinition) (*api.EndpointDefinition, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*api.EndpointDefinition, error)
	GetByPathMethod(ctx context.Context, path, method string) (*api.EndpointDefinition, error)
	List(ctx context.Context, params ListParams) ([]api.EndpointDefinition, error)
	GetStats(ctx context.Context, id string) (*api.EndpointStats, error)
	RecordInvocation(ctx context.Context, id string, latency time.Duration, failed bool, at time.Time) error
}

type ListParams struct {
	ApplicationID string
	Limit         int
	Offset        int
}

type EndpointStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Endpoint = (*EndpointStore)(nil)

func NewEndpointStore(db *gorm.DB, log logrus.FieldLogger) *EndpointStore {
	return &EndpointStore{db: db, log: log}
}

func (s *EndpointStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Endpoint{})
}

func (s *EndpointStore) Create(ctx context.Context, resource *api.EndpointDefinition) (*api.EndpointDefinition, error) {
	if resource == nil {
		return nil, apierrors.ErrResourceIsNil
	}
	if resource.Enabled {
		if err := s.checkRouteConflict(ctx, resource.Path, resource.Method, ""); err != nil {
			return nil, err
		}
	}
	endpoint := model.NewEndpointFromApiResource(resource)
	result := s.db.WithContext(ctx).Create(endpoint)
	log.WithReqIDFromCtx(ctx, s.log).Debugf("db.Create(%s): %d rows affected, error is %v", endpoint.ID, result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, apierrors.FromStoreError(result.Error)
	}
	created := endpoint.ToApiResource()
	return &created, nil
}

func (s *EndpointStore) Update(ctx context.Context, resource *api.EndpointDefinition) (*api.EndpointDefinition, error) {
	if resource == nil {
		return nil, apierrors.ErrResourceIsNil
	}
	existing := model.Endpoint{}
	if err := s.db.WithContext(ctx).First(&existing, "id = ?", resource.ID).Error; err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	if resource.Enabled {
		if err := s.checkRouteConflict(ctx, resource.Path, resource.Method, resource.ID); err != nil {
			return nil, err
		}
	}
	endpoint := model.NewEndpointFromApiResource(resource)
	// Counter columns are owned by RecordInvocation; never overwrite them here.
	result := s.db.WithContext(ctx).Model(&model.Endpoint{ID: resource.ID}).
		Omit("call_count", "error_count", "total_latency_ns", "last_invoked_at", "created_at").
		Select("*").
		Updates(endpoint)
	if result.Error != nil {
		return nil, apierrors.FromStoreError(result.Error)
	}
	return s.Get(ctx, resource.ID)
}

// checkRouteConflict rejects a second enabled definition on the same
// (path, method). Dispatch additionally orders by updated_at so that any
// conflict that slips through a race still resolves deterministically.
func (s *EndpointStore) checkRouteConflict(ctx context.Context, path, method, excludeID string) error {
	var count int64
	query := s.db.WithContext(ctx).Model(&model.Endpoint{}).
		Where("path = ? AND method = ? AND enabled = ?", path, strings.ToUpper(method), true)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return apierrors.FromStoreError(err)
	}
	if count > 0 {
		return apierrors.ErrDuplicatePathMethod
	}
	return nil
}

func (s *EndpointStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&model.Endpoint{ID: id})
	if result.Error != nil {
		return apierrors.FromStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apierrors.ErrRecordNotFound
	}
	return nil
}

func (s *EndpointStore) Get(ctx context.Context, id string) (*api.EndpointDefinition, error) {
	endpoint := model.Endpoint{}
	if err := s.db.WithContext(ctx).First(&endpoint, "id = ?", id).Error; err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	def := endpoint.ToApiResource()
	return &def, nil
}

// GetByPathMethod resolves the single live definition for a route. When
// conflicting enabled definitions exist the most recently updated one wins.
func (s *EndpointStore) GetByPathMethod(ctx context.Context, path, method string) (*api.EndpointDefinition, error) {
	endpoint := model.Endpoint{}
	err := s.db.WithContext(ctx).
		Where("path = ? AND method = ? AND enabled = ?", path, strings.ToUpper(method), true).
		Order("updated_at DESC").
		First(&endpoint).Error
	if err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	def := endpoint.ToApiResource()
	return &def, nil
}

func (s *EndpointStore) List(ctx context.Context, params ListParams) ([]api.EndpointDefinition, error) {
	var endpoints model.EndpointList
	query := s.db.WithContext(ctx).Model(&model.Endpoint{}).Order("created_at")
	if params.ApplicationID != "" {
		query = query.Where("application_id = ?", params.ApplicationID)
	}
	limit := params.Limit
	if limit <= 0 || limit > MaxRecordsPerListRequest {
		limit = MaxRecordsPerListRequest
	}
	query = query.Limit(limit).Offset(params.Offset)
	result := query.Find(&endpoints)
	log.WithReqIDFromCtx(ctx, s.log).Debugf("db.Find(): %d rows affected, error is %v", result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, apierrors.FromStoreError(result.Error)
	}
	return endpoints.ToApiResource(), nil
}

func (s *EndpointStore) GetStats(ctx context.Context, id string) (*api.EndpointStats, error) {
	endpoint := model.Endpoint{}
	if err := s.db.WithContext(ctx).First(&endpoint, "id = ?", id).Error; err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	stats := endpoint.ToApiStats()
	return &stats, nil
}

// RecordInvocation bumps the persisted counter block with atomic column
// expressions so concurrent invocations never lose updates.
func (s *EndpointStore) RecordInvocation(ctx context.Context, id string, latency time.Duration, failed bool, at time.Time) error {
	updates := map[string]any{
		"call_count":       gorm.Expr("call_count + 1"),
		"total_latency_ns": gorm.Expr("total_latency_ns + ?", latency.Nanoseconds()),
		"last_invoked_at":  at,
	}
	if failed {
		updates["error_count"] = gorm.Expr("error_count + 1")
	}
	result := s.db.WithContext(ctx).Model(&model.Endpoint{}).
		Where("id = ?", id).
		UpdateColumns(updates)
	return apierrors.FromStoreError(result.Error)
}
