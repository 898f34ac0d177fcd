package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

// Asset is a stored visual that can fill a template role within its scope.
type Asset struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name                string               `gorm:"column:name;not null"`
	Category            string               `gorm:"column:category;not null"`
	RoleKey             *string              `gorm:"column:role_key"`
	Scope               enums.AssetScope     `gorm:"column:scope;type:asset_scope;not null"`
	ShowID              *uuid.UUID           `gorm:"column:show_id;type:uuid"`
	EpisodeID           *uuid.UUID           `gorm:"column:episode_id;type:uuid"`
	ContentHash         *string              `gorm:"column:content_hash"`
	StorageKeyRaw       string               `gorm:"column:storage_key_raw;not null"`
	StorageKeyProcessed *string              `gorm:"column:storage_key_processed"`
	ApprovalStatus      enums.ApprovalStatus `gorm:"column:approval_status;type:approval_status;not null;default:PENDING"`
	ApprovedAt          *time.Time           `gorm:"column:approved_at"`
	Metadata            datatypes.JSONMap    `gorm:"column:metadata;type:jsonb"`
	CreatedBy           string               `gorm:"column:created_by;not null"`
	CreatedAt           time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time            `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt           gorm.DeletedAt       `gorm:"column:deleted_at;index"`
}

// RenderKey is the storage key a renderer should read: the processed
// derivative when one exists, otherwise the raw upload.
func (a Asset) RenderKey() string {
	if a.StorageKeyProcessed != nil && *a.StorageKeyProcessed != "" {
		return *a.StorageKeyProcessed
	}
	return a.StorageKeyRaw
}
