package compositions

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
)

type CreateInput struct {
	EpisodeID  uuid.UUID
	ShowID     *uuid.UUID
	TemplateID uuid.UUID
	Config     map[string]any
	Actor      string
}

// AssignInput fills one role. A nil AssetID resolves the role through the
// scope chain; a set AssetID assigns that asset directly.
type AssignInput struct {
	CompositionID uuid.UUID
	RoleKey       string
	AssetID       *uuid.UUID
	Actor         string
}

// Detail is a composition with its current role map.
type Detail struct {
	Composition models.Composition
	Roles       models.RoleAssignments
}

// RoleAsset is the asset rendered into one role.
type RoleAsset struct {
	AssetID    uuid.UUID `json:"asset_id"`
	StorageKey string    `json:"storage_key"`
}

// RenderPlan is everything a renderer needs for one composition version.
type RenderPlan struct {
	CompositionID uuid.UUID            `json:"composition_id"`
	EpisodeID     uuid.UUID            `json:"episode_id"`
	TemplateID    uuid.UUID            `json:"template_id"`
	VersionNumber int                  `json:"version_number"`
	Roles         map[string]RoleAsset `json:"roles"`
	Config        map[string]any       `json:"config,omitempty"`
	// LayoutByFormat is the template's per-format layout.
	LayoutByFormat map[string]any `json:"layout_by_format,omitempty"`
}

// StorageKeys returns the role -> storage key map sent to the renderer.
func (p RenderPlan) StorageKeys() map[string]string {
	out := make(map[string]string, len(p.Roles))
	for role, asset := range p.Roles {
		out[role] = asset.StorageKey
	}
	return out
}

// versionChange is the outcome of one versioned mutation.
type versionChange struct {
	roles          models.RoleAssignments
	config         map[string]any
	configChanged  bool
	changedRoles   []string
	replaceAll     bool
	summary        string
	cause          string
	rolledBackFrom *int
}
