package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

// Composition is one template instance for an episode.
type Composition struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EpisodeID      uuid.UUID          `gorm:"column:episode_id;type:uuid;not null"`
	ShowID         *uuid.UUID         `gorm:"column:show_id;type:uuid"`
	TemplateID     uuid.UUID          `gorm:"column:template_id;type:uuid;not null"`
	IsPrimary      bool               `gorm:"column:is_primary;not null;default:false"`
	CurrentVersion int                `gorm:"column:current_version;not null;default:1"`
	Config         datatypes.JSONMap  `gorm:"column:config;type:jsonb"`
	RenderStatus   enums.RenderStatus `gorm:"column:render_status;type:render_status;not null;default:draft"`
	RenderError    *string            `gorm:"column:render_error"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt      gorm.DeletedAt     `gorm:"column:deleted_at;index"`
}

// CompositionAssetAssignment is the current role -> asset projection.
// Rows are retired rather than updated.
type CompositionAssetAssignment struct {
	ID            uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CompositionID uuid.UUID      `gorm:"column:composition_id;type:uuid;not null"`
	RoleKey       string         `gorm:"column:role_key;not null"`
	AssetID       uuid.UUID      `gorm:"column:asset_id;type:uuid;not null"`
	VersionNumber int            `gorm:"column:version_number;not null"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (CompositionAssetAssignment) TableName() string {
	return "composition_asset_assignments"
}

// RoleAssignments maps role keys to asset ids.
type RoleAssignments map[string]uuid.UUID

// Clone returns an independent copy.
func (r RoleAssignments) Clone() RoleAssignments {
	out := make(RoleAssignments, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CompositionVersion is an immutable snapshot of a composition's role map and config.
type CompositionVersion struct {
	ID              uuid.UUID                           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CompositionID   uuid.UUID                           `gorm:"column:composition_id;type:uuid;not null"`
	VersionNumber   int                                 `gorm:"column:version_number;not null"`
	RoleAssignments datatypes.JSONType[RoleAssignments] `gorm:"column:role_assignments;type:jsonb;not null"`
	ConfigSnapshot  datatypes.JSONMap                   `gorm:"column:config_snapshot;type:jsonb"`
	Actor           string                              `gorm:"column:actor;not null"`
	ChangeSummary   string                              `gorm:"column:change_summary"`
	RolledBackFrom  *int                                `gorm:"column:rolled_back_from"`
	CreatedAt       time.Time                           `gorm:"column:created_at;autoCreateTime"`
}

// Roles returns the snapshot's role map, never nil.
func (v CompositionVersion) Roles() RoleAssignments {
	roles := v.RoleAssignments.Data()
	if roles == nil {
		return RoleAssignments{}
	}
	return roles
}
