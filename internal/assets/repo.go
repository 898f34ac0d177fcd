package assets

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
)

const contentHashConstraint = "assets_content_hash_active_key"

// Repository persists assets and answers scope lookups.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, asset *models.Asset) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	FindByIDUnscoped(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Asset, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Asset, error)
	LockLive(ctx context.Context, ids []uuid.UUID) ([]models.Asset, error)
	FindByContentHash(ctx context.Context, hash string) (*models.Asset, error)
	FirstApproved(ctx context.Context, roleKey string, pred ScopePredicate) (*models.Asset, error)
	ListApproved(ctx context.Context, roleKey string, pred ScopePredicate) ([]models.Asset, error)
	UpdateApproval(ctx context.Context, id uuid.UUID, status enums.ApprovalStatus, approvedAt *time.Time) error
	UpdateProcessed(ctx context.Context, id uuid.UUID, hash string, processedKey string) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
	HasLiveAssignments(ctx context.Context, id uuid.UUID) (bool, error)
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

func (r *repository) Create(ctx context.Context, asset *models.Asset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(asset).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *repository) FindByIDUnscoped(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&asset).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Asset, error) {
	query := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	if includeDeleted {
		query = query.Unscoped()
	}
	var asset models.Asset
	if err := query.Where("id = ?", id).First(&asset).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

// FindByIDs returns the live assets among ids, in no particular order.
func (r *repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Asset
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

// LockLive reads the live assets among ids under FOR SHARE, in id order.
// SoftDelete takes FOR UPDATE on the same rows, so it waits for the caller's
// transaction and then sees whatever that transaction wrote.
func (r *repository) LockLive(ctx context.Context, ids []uuid.UUID) ([]models.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Asset
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// FindByContentHash returns the live asset owning hash, or nil.
func (r *repository) FindByContentHash(ctx context.Context, hash string) (*models.Asset, error) {
	var rows []models.Asset
	err := r.db.WithContext(ctx).Where("content_hash = ?", hash).Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repository) approvedForRole(ctx context.Context, roleKey string, pred ScopePredicate) *gorm.DB {
	query := r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("role_key = ? AND approval_status = ?", roleKey, enums.ApprovalApproved)
	return pred.Apply(query).Order("approved_at DESC").Order("id DESC")
}

// FirstApproved returns the winning asset of one scope level, or nil.
func (r *repository) FirstApproved(ctx context.Context, roleKey string, pred ScopePredicate) (*models.Asset, error) {
	var rows []models.Asset
	if err := r.approvedForRole(ctx, roleKey, pred).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repository) ListApproved(ctx context.Context, roleKey string, pred ScopePredicate) ([]models.Asset, error) {
	var rows []models.Asset
	err := r.approvedForRole(ctx, roleKey, pred).Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateApproval(ctx context.Context, id uuid.UUID, status enums.ApprovalStatus, approvedAt *time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"approval_status": status,
			"approved_at":     approvedAt,
		}).Error
}

func (r *repository) UpdateProcessed(ctx context.Context, id uuid.UUID, hash string, processedKey string) error {
	return r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content_hash":          hash,
			"storage_key_processed": processedKey,
		}).Error
}

func (r *repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Asset{}).Error
}

func (r *repository) Restore(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Unscoped().
		Model(&models.Asset{}).
		Where("id = ?", id).
		Updates(map[string]any{"deleted_at": nil}).Error
}

// HasLiveAssignments reports whether a live assignment on a live composition
// references the asset.
func (r *repository) HasLiveAssignments(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("composition_asset_assignments AS a").
		Joins("JOIN compositions c ON c.id = a.composition_id").
		Where("a.asset_id = ? AND a.deleted_at IS NULL AND c.deleted_at IS NULL", id).
		Count(&count).Error
	return count > 0, err
}
