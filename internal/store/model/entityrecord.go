package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntityRecord is one row of a dynamically defined entity kind. The record
// payload is schemaless jsonb; the platform's entity definitions give it
// meaning.
type EntityRecord struct {
	ID         string              `gorm:"type:uuid;primary_key"`
	EntityKind string              `gorm:"index:idx_entity_kind;not null"`
	Data       JSONMap[string, any] `gorm:"type:jsonb"`
	CreatedBy  string              `gorm:"index"`
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (r *EntityRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// ToMap flattens the record for handler results: payload fields plus the
// system columns under reserved names.
func (r *EntityRecord) ToMap() map[string]any {
	out := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		out[k] = v
	}
	out["id"] = r.ID
	out["createdAt"] = r.CreatedAt
	out["updatedAt"] = r.UpdatedAt
	if r.CreatedBy != "" {
		out["createdBy"] = r.CreatedBy
	}
	return out
}
