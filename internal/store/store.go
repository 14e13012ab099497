package store

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const MaxRecordsPerListRequest = 1000

// Store aggregates the per-resource stores backing the runtime.
type Store interface {
	Endpoint() Endpoint
	EntityRecord() EntityRecord
	InitialMigration() error
	CheckHealth(ctx context.Context) error
	Close() error
}

type DataStore struct {
	endpoint     Endpoint
	entityRecord EntityRecord

	db *gorm.DB
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		endpoint:     NewEndpointStore(db, log),
		entityRecord: NewEntityRecordStore(db, log),
		db:           db,
	}
}

func (s *DataStore) Endpoint() Endpoint {
	return s.endpoint
}

func (s *DataStore) EntityRecord() EntityRecord {
	return s.entityRecord
}

func (s *DataStore) InitialMigration() error {
	if err := s.endpoint.InitialMigration(); err != nil {
		return err
	}
	return s.entityRecord.InitialMigration()
}

func (s *DataStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
