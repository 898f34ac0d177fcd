package outputs

import (
	"time"

	"github.com/google/uuid"
)

// RecordInput describes one rendered artifact. Supersede replaces an
// existing live output for the same composition, version and format.
type RecordInput struct {
	CompositionID uuid.UUID
	VersionNumber int
	FormatID      string
	StorageKey    string
	RenderedAt    time.Time
	Supersede     bool
	Actor         string
}
