package payloads

import (
	"time"

	"github.com/google/uuid"
)

// AssetApprovalEvent is emitted when an asset is approved or rejected.
type AssetApprovalEvent struct {
	AssetID   uuid.UUID  `json:"asset_id"`
	RoleKey   *string    `json:"role_key,omitempty"`
	Scope     string     `json:"scope"`
	ShowID    *uuid.UUID `json:"show_id,omitempty"`
	EpisodeID *uuid.UUID `json:"episode_id,omitempty"`
	Status    string     `json:"status"`
}

// CompositionVersionedEvent is emitted for every new composition snapshot.
type CompositionVersionedEvent struct {
	CompositionID  uuid.UUID            `json:"composition_id"`
	EpisodeID      uuid.UUID            `json:"episode_id"`
	VersionNumber  int                  `json:"version_number"`
	ChangeSummary  string               `json:"change_summary"`
	RoleAssignment map[string]uuid.UUID `json:"role_assignments"`
}

// CompositionPrimaryChangedEvent reports the new primary for an episode.
type CompositionPrimaryChangedEvent struct {
	EpisodeID         uuid.UUID  `json:"episode_id"`
	CompositionID     uuid.UUID  `json:"composition_id"`
	PreviousPrimaryID *uuid.UUID `json:"previous_primary_id,omitempty"`
}

// RenderFormat is one requested output with its layout geometry.
type RenderFormat struct {
	ID          string         `json:"id"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	AspectRatio string         `json:"aspect_ratio"`
	Layout      map[string]any `json:"layout,omitempty"`
}

// RenderRequestedEvent is the contract consumed by the external renderer.
type RenderRequestedEvent struct {
	RequestID     uuid.UUID         `json:"request_id"`
	CompositionID uuid.UUID         `json:"composition_id"`
	VersionNumber int               `json:"version_number"`
	TemplateID    uuid.UUID         `json:"template_id"`
	Formats       []RenderFormat    `json:"formats"`
	RoleAssetMap  map[string]string `json:"role_asset_map"`
	Config        map[string]any    `json:"config,omitempty"`
	Supersede     bool              `json:"supersede"`
}

// RenderResult is published by the renderer once a request finishes.
type RenderResult struct {
	RequestID     uuid.UUID         `json:"request_id"`
	CompositionID uuid.UUID         `json:"composition_id"`
	VersionNumber int               `json:"version_number"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	Supersede     bool              `json:"supersede"`
	Error         string            `json:"error,omitempty"`
	RenderedAt    time.Time         `json:"rendered_at"`
}

// OutputRecordedEvent is emitted for each stored render artifact.
type OutputRecordedEvent struct {
	OutputID      uuid.UUID `json:"output_id"`
	CompositionID uuid.UUID `json:"composition_id"`
	VersionNumber int       `json:"version_number"`
	FormatID      string    `json:"format_id"`
	StorageKey    string    `json:"storage_key"`
}
