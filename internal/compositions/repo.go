package compositions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

const (
	primaryConstraint    = "compositions_one_primary_per_episode"
	assignmentConstraint = "composition_assignments_active_role_key"
)

// Repository persists compositions, their assignment projection and version history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, composition *models.Composition) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Composition, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Composition, error)
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]models.Composition, error)
	FindPrimary(ctx context.Context, episodeID uuid.UUID) (*models.Composition, error)
	BumpVersion(ctx context.Context, id uuid.UUID, expected, next int, config *datatypes.JSONMap) (bool, error)
	UpdateRenderStatus(ctx context.Context, id uuid.UUID, from, to enums.RenderStatus, renderError *string) (bool, error)
	ListStaleRendering(ctx context.Context, before time.Time, limit int) ([]models.Composition, error)
	ClearPrimary(ctx context.Context, episodeID uuid.UUID) error
	MarkPrimary(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID, clearPrimary bool) error

	ActiveAssignments(ctx context.Context, compositionID uuid.UUID) ([]models.CompositionAssetAssignment, error)
	RetireAssignment(ctx context.Context, compositionID uuid.UUID, roleKey string) error
	RetireAllAssignments(ctx context.Context, compositionID uuid.UUID) error
	InsertAssignments(ctx context.Context, rows []models.CompositionAssetAssignment) error

	InsertVersion(ctx context.Context, version *models.CompositionVersion) error
	FindVersion(ctx context.Context, compositionID uuid.UUID, number int) (*models.CompositionVersion, error)
	ListVersions(ctx context.Context, compositionID uuid.UUID) ([]models.CompositionVersion, error)
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

func (r *repository) Create(ctx context.Context, composition *models.Composition) error {
	if composition.ID == uuid.Nil {
		composition.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(composition).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Composition, error) {
	var composition models.Composition
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&composition).Error; err != nil {
		return nil, err
	}
	return &composition, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Composition, error) {
	query := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	if includeDeleted {
		query = query.Unscoped()
	}
	var composition models.Composition
	if err := query.Where("id = ?", id).First(&composition).Error; err != nil {
		return nil, err
	}
	return &composition, nil
}

func (r *repository) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]models.Composition, error) {
	var rows []models.Composition
	err := r.db.WithContext(ctx).
		Where("episode_id = ?", episodeID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// FindPrimary returns the live primary composition of an episode, or nil.
func (r *repository) FindPrimary(ctx context.Context, episodeID uuid.UUID) (*models.Composition, error) {
	var composition models.Composition
	err := r.db.WithContext(ctx).
		Where("episode_id = ? AND is_primary = ?", episodeID, true).
		First(&composition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &composition, nil
}

// BumpVersion moves current_version from expected to next and resets the
// render status. It reports false when another writer moved the version first.
// A non-nil config replaces the stored config.
func (r *repository) BumpVersion(ctx context.Context, id uuid.UUID, expected, next int, config *datatypes.JSONMap) (bool, error) {
	updates := map[string]any{
		"current_version": next,
		"render_status":   enums.RenderStatusDraft,
		"render_error":    nil,
	}
	if config != nil {
		updates["config"] = *config
	}
	res := r.db.WithContext(ctx).
		Model(&models.Composition{}).
		Where("id = ? AND current_version = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateRenderStatus applies from -> to only if the row is still in from.
func (r *repository) UpdateRenderStatus(ctx context.Context, id uuid.UUID, from, to enums.RenderStatus, renderError *string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Composition{}).
		Where("id = ? AND render_status = ?", id, from).
		Updates(map[string]any{
			"render_status": to,
			"render_error":  renderError,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStaleRendering returns live compositions that have sat in rendering
// since before, oldest first.
func (r *repository) ListStaleRendering(ctx context.Context, before time.Time, limit int) ([]models.Composition, error) {
	var rows []models.Composition
	err := r.db.WithContext(ctx).
		Where("render_status = ? AND updated_at < ?", enums.RenderStatusRendering, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ClearPrimary(ctx context.Context, episodeID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Composition{}).
		Where("episode_id = ? AND is_primary = ?", episodeID, true).
		Update("is_primary", false).Error
}

func (r *repository) MarkPrimary(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Composition{}).
		Where("id = ?", id).
		Update("is_primary", true).Error
}

func (r *repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Composition{}).Error
}

func (r *repository) Restore(ctx context.Context, id uuid.UUID, clearPrimary bool) error {
	updates := map[string]any{"deleted_at": nil}
	if clearPrimary {
		updates["is_primary"] = false
	}
	return r.db.WithContext(ctx).
		Unscoped().
		Model(&models.Composition{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ActiveAssignments(ctx context.Context, compositionID uuid.UUID) ([]models.CompositionAssetAssignment, error) {
	var rows []models.CompositionAssetAssignment
	err := r.db.WithContext(ctx).
		Where("composition_id = ?", compositionID).
		Order("role_key ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) RetireAssignment(ctx context.Context, compositionID uuid.UUID, roleKey string) error {
	return r.db.WithContext(ctx).
		Where("composition_id = ? AND role_key = ?", compositionID, roleKey).
		Delete(&models.CompositionAssetAssignment{}).Error
}

func (r *repository) RetireAllAssignments(ctx context.Context, compositionID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("composition_id = ?", compositionID).
		Delete(&models.CompositionAssetAssignment{}).Error
}

func (r *repository) InsertAssignments(ctx context.Context, rows []models.CompositionAssetAssignment) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if rows[i].ID == uuid.Nil {
			rows[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *repository) InsertVersion(ctx context.Context, version *models.CompositionVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(version).Error
}

func (r *repository) FindVersion(ctx context.Context, compositionID uuid.UUID, number int) (*models.CompositionVersion, error) {
	var version models.CompositionVersion
	err := r.db.WithContext(ctx).
		Where("composition_id = ? AND version_number = ?", compositionID, number).
		First(&version).Error
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (r *repository) ListVersions(ctx context.Context, compositionID uuid.UUID) ([]models.CompositionVersion, error) {
	var rows []models.CompositionVersion
	err := r.db.WithContext(ctx).
		Where("composition_id = ?", compositionID).
		Order("version_number ASC").
		Find(&rows).Error
	return rows, err
}
