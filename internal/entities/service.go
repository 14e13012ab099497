package entities

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/engine"
	"github.com/apirun/apirun/internal/store"
)

// Service is the default entity service: dynamically defined entity kinds
// stored as schemaless records. Hosts with a richer domain model replace it
// behind engine.EntityService.
type Service struct {
	records store.EntityRecord
	log     logrus.FieldLogger
}

var _ engine.EntityService = (*Service)(nil)

func NewService(records store.EntityRecord, log logrus.FieldLogger) *Service {
	return &Service{records: records, log: log}
}

func (s *Service) List(ctx context.Context, entityID string, query engine.EntityQuery) ([]map[string]any, error) {
	return s.records.List(ctx, entityID, store.EntityListParams{
		Filters:   query.Filters,
		Limit:     query.Limit,
		Offset:    query.Offset,
		SortBy:    query.SortBy,
		SortOrder: query.SortOrder,
	})
}

func (s *Service) Get(ctx context.Context, entityID, recordID string) (map[string]any, error) {
	return s.records.Get(ctx, entityID, recordID)
}

func (s *Service) Create(ctx context.Context, entityID string, data map[string]any, userID string) (map[string]any, error) {
	return s.records.Create(ctx, entityID, data, userID)
}

func (s *Service) Update(ctx context.Context, entityID, recordID string, data map[string]any, userID string) (map[string]any, error) {
	return s.records.Update(ctx, entityID, recordID, data, userID)
}

func (s *Service) Delete(ctx context.Context, entityID, recordID, userID string) error {
	return s.records.Delete(ctx, entityID, recordID, userID)
}
