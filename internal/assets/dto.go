package assets

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

// IntakeInput describes an uploaded asset. ContentHash, when set, must be
// "<algo>:<hex>" and drives deduplication.
type IntakeInput struct {
	Name                string
	Category            string
	RoleKey             *string
	Scope               enums.AssetScope
	ShowID              *uuid.UUID
	EpisodeID           *uuid.UUID
	ContentHash         *string
	StorageKeyRaw       string
	StorageKeyProcessed *string
	Metadata            map[string]any
	CreatedBy           string
}

// IntakeResult carries the stored asset and whether it already existed.
type IntakeResult struct {
	Asset        *models.Asset
	Deduplicated bool
}

// Candidate is an eligible asset with the scope level it was found at.
type Candidate struct {
	Asset models.Asset
	Level enums.AssetScope
}
