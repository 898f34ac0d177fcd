package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Output records one rendered artifact for a composition version and format.
type Output struct {
	ID            uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CompositionID uuid.UUID      `gorm:"column:composition_id;type:uuid;not null"`
	VersionNumber int            `gorm:"column:version_number;not null"`
	FormatID      string         `gorm:"column:format_id;not null"`
	StorageKey    string         `gorm:"column:storage_key;not null"`
	RenderedAt    time.Time      `gorm:"column:rendered_at;not null"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index"`
}
