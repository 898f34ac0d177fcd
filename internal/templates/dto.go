package templates

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/pagination"
)

// CreateInput declares a new template's role contract.
type CreateInput struct {
	Name           string
	RequiredRoles  []string
	OptionalRoles  []string
	LayoutByFormat map[string]any
}

// UpdateInput changes a template. Nil fields are left as they are.
type UpdateInput struct {
	Name           *string
	RequiredRoles  []string
	OptionalRoles  []string
	LayoutByFormat map[string]any
}

// UpdateResult reports whether the edit was applied in place or produced a
// new template that supersedes the original.
type UpdateResult struct {
	Template   *models.Template
	Superseded bool
	PreviousID uuid.UUID
}

type ListParams struct {
	pagination.Params
	IncludeSuperseded bool
}

type listQuery struct {
	limit             int
	cursor            *pagination.Cursor
	includeSuperseded bool
}
