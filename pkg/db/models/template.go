package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Template declares the role contract a composition must satisfy.
type Template struct {
	ID             uuid.UUID                   `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name           string                      `gorm:"column:name;not null"`
	RequiredRoles  datatypes.JSONSlice[string] `gorm:"column:required_roles;type:jsonb;not null"`
	OptionalRoles  datatypes.JSONSlice[string] `gorm:"column:optional_roles;type:jsonb;not null"`
	LayoutByFormat datatypes.JSONMap           `gorm:"column:layout_by_format;type:jsonb"`
	SupersededBy   *uuid.UUID                  `gorm:"column:superseded_by;type:uuid"`
	CreatedAt      time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt      gorm.DeletedAt              `gorm:"column:deleted_at;index"`
}
