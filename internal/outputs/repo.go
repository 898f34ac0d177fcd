package outputs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
)

const activeTripleConstraint = "outputs_active_triple_key"

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, output *models.Output) error
	FindActive(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (*models.Output, error)
	ListForVersion(ctx context.Context, compositionID uuid.UUID, version int) ([]models.Output, error)
	Supersede(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (int64, error)
	CurrentVersion(ctx context.Context, compositionID uuid.UUID) (int, error)
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

func (r *repository) Create(ctx context.Context, output *models.Output) error {
	if output.ID == uuid.Nil {
		output.ID = uuid.New()
	}
	if output.RenderedAt.IsZero() {
		output.RenderedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(output).Error
}

// FindActive returns the live output for the triple, or nil.
func (r *repository) FindActive(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (*models.Output, error) {
	var rows []models.Output
	err := r.db.WithContext(ctx).
		Where("composition_id = ? AND version_number = ? AND format_id = ?", compositionID, version, formatID).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repository) ListForVersion(ctx context.Context, compositionID uuid.UUID, version int) ([]models.Output, error) {
	var rows []models.Output
	err := r.db.WithContext(ctx).
		Where("composition_id = ? AND version_number = ?", compositionID, version).
		Order("format_id ASC").
		Find(&rows).Error
	return rows, err
}

// Supersede soft-deletes live outputs for the version; an empty formatID
// covers every format.
func (r *repository) Supersede(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (int64, error) {
	query := r.db.WithContext(ctx).Where("composition_id = ? AND version_number = ?", compositionID, version)
	if formatID != "" {
		query = query.Where("format_id = ?", formatID)
	}
	res := query.Delete(&models.Output{})
	return res.RowsAffected, res.Error
}

// CurrentVersion reads the live composition's current_version.
func (r *repository) CurrentVersion(ctx context.Context, compositionID uuid.UUID) (int, error) {
	var composition models.Composition
	err := r.db.WithContext(ctx).
		Select("id", "current_version").
		Where("id = ?", compositionID).
		First(&composition).Error
	if err != nil {
		return 0, err
	}
	return composition.CurrentVersion, nil
}
