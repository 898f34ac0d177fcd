package templates

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
)

// Repository persists templates.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, template *models.Template) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Template, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Template, error)
	FindByIDForShare(ctx context.Context, id uuid.UUID) (*models.Template, error)
	Update(ctx context.Context, template *models.Template) error
	MarkSuperseded(ctx context.Context, id, successor uuid.UUID) error
	IsReferenced(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, opts listQuery) ([]models.Template, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, template *models.Template) error {
	if template.ID == uuid.Nil {
		template.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(template).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var template models.Template
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&template).Error; err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var template models.Template
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&template).Error
	if err != nil {
		return nil, err
	}
	return &template, nil
}

// FindByIDForShare blocks Update's FOR UPDATE until the caller commits, so a
// reference written under this lock is visible to IsReferenced.
func (r *repository) FindByIDForShare(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var template models.Template
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("id = ?", id).
		First(&template).Error
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *repository) Update(ctx context.Context, template *models.Template) error {
	return r.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", template.ID).
		Updates(map[string]any{
			"name":             template.Name,
			"required_roles":   template.RequiredRoles,
			"optional_roles":   template.OptionalRoles,
			"layout_by_format": template.LayoutByFormat,
		}).Error
}

func (r *repository) MarkSuperseded(ctx context.Context, id, successor uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", id).
		Update("superseded_by", successor).Error
}

// IsReferenced reports whether any live composition uses the template.
func (r *repository) IsReferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Composition{}).
		Where("template_id = ?", id).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) List(ctx context.Context, opts listQuery) ([]models.Template, error) {
	query := r.db.WithContext(ctx).Model(&models.Template{})
	if !opts.includeSuperseded {
		query = query.Where("superseded_by IS NULL")
	}
	if opts.cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", opts.cursor.CreatedAt, opts.cursor.CreatedAt, opts.cursor.ID)
	}
	var rows []models.Template
	err := query.Order("created_at DESC").Order("id DESC").Limit(opts.limit).Find(&rows).Error
	return rows, err
}
