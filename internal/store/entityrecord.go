package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/store/model"
)

// EntityRecord stores rows of dynamically defined entity kinds. It backs
// the default entity service consumed by entity_op endpoints.
type EntityRecord interface {
	InitialMigration() error
	List(ctx context.Context, kind string, params EntityListParams) ([]map[string]any, error)
	Get(ctx context.Context, kind, id string) (map[string]any, error)
	Create(ctx context.Context, kind string, data map[string]any, userID string) (map[string]any, error)
	Update(ctx context.Context, kind, id string, data map[string]any, userID string) (map[string]any, error)
	Delete(ctx context.Context, kind, id, userID string) error
}

type EntityListParams struct {
	Filters   map[string]any
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

type EntityRecordStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ EntityRecord = (*EntityRecordStore)(nil)

func NewEntityRecordStore(db *gorm.DB, log logrus.FieldLogger) *EntityRecordStore {
	return &EntityRecordStore{db: db, log: log}
}

func (s *EntityRecordStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.EntityRecord{})
}

func (s *EntityRecordStore) List(ctx context.Context, kind string, params EntityListParams) ([]map[string]any, error) {
	var records []model.EntityRecord
	query := s.db.WithContext(ctx).Model(&model.EntityRecord{}).Where("entity_kind = ?", kind)

	for field, value := range params.Filters {
		query = query.Where("data ->> ? = ?", field, fmt.Sprint(value))
	}

	dir := "ASC"
	if strings.EqualFold(params.SortOrder, "desc") {
		dir = "DESC"
	}
	switch params.SortBy {
	case "", "createdAt":
		query = query.Order("created_at " + dir)
	case "updatedAt":
		query = query.Order("updated_at " + dir)
	case "id":
		query = query.Order("id " + dir)
	default:
		query = query.Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:                "data ->> ? " + dir,
			Vars:               []any{params.SortBy},
			WithoutParentheses: true,
		}})
	}

	limit := params.Limit
	if limit <= 0 || limit > MaxRecordsPerListRequest {
		limit = MaxRecordsPerListRequest
	}
	query = query.Limit(limit)
	if params.Offset > 0 {
		query = query.Offset(params.Offset)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	out := make([]map[string]any, 0, len(records))
	for i := range records {
		out = append(out, records[i].ToMap())
	}
	return out, nil
}

func (s *EntityRecordStore) Get(ctx context.Context, kind, id string) (map[string]any, error) {
	record := model.EntityRecord{}
	err := s.db.WithContext(ctx).
		Where("entity_kind = ? AND id = ?", kind, id).
		First(&record).Error
	if err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	return record.ToMap(), nil
}

func (s *EntityRecordStore) Create(ctx context.Context, kind string, data map[string]any, userID string) (map[string]any, error) {
	record := model.EntityRecord{
		EntityKind: kind,
		Data:       model.JSONMap[string, any](data),
		CreatedBy:  userID,
		UpdatedBy:  userID,
	}
	result := s.db.WithContext(ctx).Create(&record)
	s.log.Debugf("db.Create(%s/%s): %d rows affected, error is %v", kind, record.ID, result.RowsAffected, result.Error)
	if result.Error != nil {
		return nil, apierrors.FromStoreError(result.Error)
	}
	return record.ToMap(), nil
}

func (s *EntityRecordStore) Update(ctx context.Context, kind, id string, data map[string]any, userID string) (map[string]any, error) {
	record := model.EntityRecord{}
	err := s.db.WithContext(ctx).
		Where("entity_kind = ? AND id = ?", kind, id).
		First(&record).Error
	if err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	if record.Data == nil {
		record.Data = model.JSONMap[string, any]{}
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		record.Data[k] = v
	}
	record.UpdatedBy = userID
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return nil, apierrors.FromStoreError(err)
	}
	return record.ToMap(), nil
}

func (s *EntityRecordStore) Delete(ctx context.Context, kind, id, userID string) error {
	result := s.db.WithContext(ctx).
		Where("entity_kind = ? AND id = ?", kind, id).
		Delete(&model.EntityRecord{})
	if result.Error != nil {
		return apierrors.FromStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apierrors.ErrRecordNotFound
	}
	return nil
}
