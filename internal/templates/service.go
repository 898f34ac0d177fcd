package templates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/formats"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/pagination"
	"github.com/angelmondragon/compositor-backend/pkg/roles"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the template registry: role declarations and role-matching checks.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.Template, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Template, error)
	LockForReference(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Template, error)
	List(ctx context.Context, params ListParams) (*pagination.Page[models.Template], error)
	Update(ctx context.Context, id uuid.UUID, input UpdateInput) (*UpdateResult, error)
	ValidateRole(ctx context.Context, templateID uuid.UUID, roleKey string) error
	IsRenderReady(ctx context.Context, templateID uuid.UUID, filledRoles []string) (bool, error)
	MissingRequired(ctx context.Context, templateID uuid.UUID, filledRoles []string) ([]string, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	formats *formats.Catalog
	logg    *logger.Logger
}

// NewService builds the registry. formatCatalog may be nil, in which case
// layout_by_format keys are not checked against known formats.
func NewService(repo Repository, tx txRunner, formatCatalog *formats.Catalog, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("template repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx, formats: formatCatalog, logg: logg}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.Template, error) {
	template, err := s.buildTemplate(input.Name, input.RequiredRoles, input.OptionalRoles, input.LayoutByFormat)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, template); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create template")
	}
	return template, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	template, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err, id)
	}
	return template, nil
}

// LockForReference loads the template inside tx for a caller about to
// reference it, failing with StateConflict once it has been superseded.
func (s *service) LockForReference(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Template, error) {
	template, err := s.repo.WithTx(tx).FindByIDForShare(ctx, id)
	if err != nil {
		return nil, mapLookupError(err, id)
	}
	if template.SupersededBy != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "template has been superseded").
			WithDetails(map[string]any{"template_id": template.ID, "superseded_by": *template.SupersededBy})
	}
	return template, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*pagination.Page[models.Template], error) {
	query := listQuery{
		limit:             pagination.LimitWithBuffer(params.Limit),
		includeSuperseded: params.IncludeSuperseded,
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	query.cursor = cursor

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list templates")
	}
	page := pagination.BuildPage(rows, params.Limit, func(t models.Template) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
	})
	return &page, nil
}

// Update edits an unreferenced template in place. Once a live composition
// uses the template it is frozen: the edit lands on a new template and the
// original is marked superseded.
func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (*UpdateResult, error) {
	var result *UpdateResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return mapLookupError(err, id)
		}
		if current.SupersededBy != nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "template has been superseded").
				WithDetails(map[string]any{"template_id": id, "superseded_by": *current.SupersededBy})
		}

		name := current.Name
		if input.Name != nil {
			name = *input.Name
		}
		required := []string(current.RequiredRoles)
		if input.RequiredRoles != nil {
			required = input.RequiredRoles
		}
		optional := []string(current.OptionalRoles)
		if input.OptionalRoles != nil {
			optional = input.OptionalRoles
		}
		layout := map[string]any(current.LayoutByFormat)
		if input.LayoutByFormat != nil {
			layout = input.LayoutByFormat
		}

		next, err := s.buildTemplate(name, required, optional, layout)
		if err != nil {
			return err
		}

		referenced, err := repo.IsReferenced(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check template references")
		}

		if !referenced {
			next.ID = current.ID
			next.CreatedAt = current.CreatedAt
			if err := repo.Update(ctx, next); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update template")
			}
			result = &UpdateResult{Template: next, PreviousID: current.ID}
			return nil
		}

		if err := repo.Create(ctx, next); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create successor template")
		}
		if err := repo.MarkSuperseded(ctx, current.ID, next.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark template superseded")
		}
		result = &UpdateResult{Template: next, Superseded: true, PreviousID: current.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Superseded && s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"template_id":   result.PreviousID.String(),
			"superseded_by": result.Template.ID.String(),
		})
		s.logg.Info(ctx, "template superseded")
	}
	return result, nil
}

func (s *service) ValidateRole(ctx context.Context, templateID uuid.UUID, roleKey string) error {
	template, err := s.Get(ctx, templateID)
	if err != nil {
		return err
	}
	return CheckRole(template, roleKey)
}

func (s *service) IsRenderReady(ctx context.Context, templateID uuid.UUID, filledRoles []string) (bool, error) {
	missing, err := s.MissingRequired(ctx, templateID, filledRoles)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (s *service) MissingRequired(ctx context.Context, templateID uuid.UUID, filledRoles []string) ([]string, error) {
	template, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return MissingRoles(template, filledRoles), nil
}

// CheckRole returns InvalidRole unless roleKey is declared by the template.
func CheckRole(template *models.Template, roleKey string) error {
	key := roles.Normalize(roleKey)
	if roles.Valid(key) {
		for _, declared := range template.RequiredRoles {
			if declared == key {
				return nil
			}
		}
		for _, declared := range template.OptionalRoles {
			if declared == key {
				return nil
			}
		}
	}
	return pkgerrors.New(pkgerrors.CodeInvalidRole, "role is not declared by the template").
		WithDetails(map[string]any{"template_id": template.ID, "role_key": key})
}

// MissingRoles lists required roles absent from filled, in template order.
func MissingRoles(template *models.Template, filledRoles []string) []string {
	filled := make(map[string]struct{}, len(filledRoles))
	for _, role := range filledRoles {
		filled[roles.Normalize(role)] = struct{}{}
	}
	missing := []string{}
	for _, required := range template.RequiredRoles {
		if _, ok := filled[required]; !ok {
			missing = append(missing, required)
		}
	}
	return missing
}

func (s *service) buildTemplate(name string, required, optional []string, layout map[string]any) (*models.Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "name is required")
	}
	if len(required) == 0 && len(optional) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "template must declare at least one role")
	}

	requiredKeys, err := normalizeRoleList("required_roles", required)
	if err != nil {
		return nil, err
	}
	optionalKeys, err := normalizeRoleList("optional_roles", optional)
	if err != nil {
		return nil, err
	}

	requiredSet := make(map[string]struct{}, len(requiredKeys))
	for _, key := range requiredKeys {
		requiredSet[key] = struct{}{}
	}
	overlap := []string{}
	for _, key := range optionalKeys {
		if _, ok := requiredSet[key]; ok {
			overlap = append(overlap, key)
		}
	}
	if len(overlap) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "roles cannot be both required and optional").
			WithDetails(map[string]any{"overlap": overlap})
	}

	if err := s.checkLayoutFormats(layout); err != nil {
		return nil, err
	}

	return &models.Template{
		Name:           name,
		RequiredRoles:  datatypes.JSONSlice[string](requiredKeys),
		OptionalRoles:  datatypes.JSONSlice[string](optionalKeys),
		LayoutByFormat: datatypes.JSONMap(layout),
	}, nil
}

func (s *service) checkLayoutFormats(layout map[string]any) error {
	if s.formats == nil || len(layout) == 0 {
		return nil
	}
	unknown := []string{}
	for id := range layout {
		if _, ok := s.formats.Get(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return pkgerrors.New(pkgerrors.CodeValidation, "layout references unknown formats").
		WithDetails(map[string]any{"unknown_formats": unknown, "known_formats": s.formats.IDs()})
}

func normalizeRoleList(field string, raw []string) ([]string, error) {
	keys := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	invalid := []string{}
	duplicates := []string{}
	for _, role := range raw {
		key, err := roles.Parse(role)
		if err != nil {
			invalid = append(invalid, role)
			continue
		}
		canonical := key.String()
		if _, ok := seen[canonical]; ok {
			duplicates = append(duplicates, canonical)
			continue
		}
		seen[canonical] = struct{}{}
		keys = append(keys, canonical)
	}
	if len(invalid) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid role keys").
			WithDetails(map[string]any{"field": field, "invalid": invalid})
	}
	if len(duplicates) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate role keys").
			WithDetails(map[string]any{"field": field, "duplicates": duplicates})
	}
	return keys, nil
}

func mapLookupError(err error, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "template not found").
			WithDetails(map[string]any{"template_id": id})
	}
	var typed *pkgerrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load template")
}
