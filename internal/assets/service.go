package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/contenthash"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/metrics"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/compositor-backend/pkg/roles"
	"github.com/angelmondragon/compositor-backend/pkg/storage"
)

const defaultIntakeAttempts = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the asset catalog.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error)
	LockAssignable(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error)
	Resolve(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) (*models.Asset, error)
	ListEligible(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) ([]Candidate, error)
	CheckEligible(ctx context.Context, assetID uuid.UUID, sc ScopeContext, roleKey string) (*models.Asset, error)
	Intake(ctx context.Context, input IntakeInput) (*IntakeResult, error)
	IntakeContent(ctx context.Context, input IntakeInput, data []byte, contentType string) (*IntakeResult, error)
	Approve(ctx context.Context, id uuid.UUID, actor string) (*models.Asset, error)
	Reject(ctx context.Context, id uuid.UUID, actor string) (*models.Asset, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	RecordProcessed(ctx context.Context, id uuid.UUID, contentHash, processedKey string) (*models.Asset, error)
}

type ServiceParams struct {
	Repository     Repository
	Tx             txRunner
	Outbox         outboxPublisher
	Store          storage.ContentStore
	Cache          ResolveCache
	Metrics        *metrics.Engine
	Logger         *logger.Logger
	IntakeAttempts int
	Clock          func() time.Time
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	store    storage.ContentStore
	cache    ResolveCache
	metrics  *metrics.Engine
	logg     *logger.Logger
	attempts int
	now      func() time.Time
	flight   singleflight.Group
}

// NewService builds the catalog. Store and Cache are optional: without a
// store IntakeContent is unavailable, without a cache every resolve hits the database.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("asset repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	cache := params.Cache
	if cache == nil {
		cache = noopResolveCache{}
	}
	attempts := params.IntakeAttempts
	if attempts <= 0 {
		attempts = defaultIntakeAttempts
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		repo:     params.Repository,
		tx:       params.Tx,
		outbox:   params.Outbox,
		store:    params.Store,
		cache:    cache,
		metrics:  params.Metrics,
		logg:     params.Logger,
		attempts: attempts,
		now:      clock,
	}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	asset, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err, id)
	}
	return asset, nil
}

// FindByIDs returns the live assets among ids keyed by id.
func (s *service) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error) {
	rows, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load assets")
	}
	out := make(map[uuid.UUID]models.Asset, len(rows))
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// LockAssignable share-locks the live assets among ids inside tx, keyed by
// id. A missing id is deleted or never existed. While tx is open a
// SoftDelete of any returned asset waits and then sees tx's assignments.
func (s *service) LockAssignable(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error) {
	rows, err := s.repo.WithTx(tx).LockLive(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock assets")
	}
	out := make(map[uuid.UUID]models.Asset, len(rows))
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// Resolve walks the scope chain and returns the first level's best candidate.
// Levels are never merged: an episode asset always beats a newer show asset.
func (s *service) Resolve(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) (*models.Asset, error) {
	key, err := roles.Parse(roleKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRole, err, "invalid role key").
			WithDetails(map[string]any{"role_key": roleKey})
	}
	role := key.String()
	sc := ScopeContext{EpisodeID: episodeID, ShowID: showID}

	gen, cached := s.cacheGeneration(ctx)
	if cached {
		if cachedID, ok := s.lookupCache(ctx, gen, sc, role); ok {
			if asset, err := s.repo.FindByID(ctx, cachedID); err == nil && resolvable(asset, sc, role) {
				s.metrics.ObserveResolveCache(true)
				return asset, nil
			}
		}
	}
	s.metrics.ObserveResolveCache(false)

	// The shared read must outlive any single waiter's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(flightKey(gen, sc, role), func() (any, error) {
		return s.resolveFromDB(flightCtx, sc, role)
	})
	if err != nil {
		return nil, err
	}
	asset := v.(*models.Asset)
	if cached {
		if err := s.cache.Store(ctx, gen, sc, role, asset.ID); err != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "resolve cache store failed")
		}
	}
	clone := *asset
	return &clone, nil
}

func (s *service) resolveFromDB(ctx context.Context, sc ScopeContext, role string) (*models.Asset, error) {
	for _, pred := range Chain(sc) {
		asset, err := s.repo.FirstApproved(ctx, role, pred)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve asset")
		}
		if asset != nil {
			return asset, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no approved asset for role").
		WithDetails(map[string]any{"role_key": role, "episode_id": sc.EpisodeID, "show_id": sc.ShowID})
}

// cacheGeneration reads the catalog generation before the database is
// consulted. A failed read disables the cache for this call; -1 keeps its
// flight apart from cached ones.
func (s *service) cacheGeneration(ctx context.Context) (int64, bool) {
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "resolve cache generation read failed")
		}
		return -1, false
	}
	return gen, true
}

func (s *service) lookupCache(ctx context.Context, gen int64, sc ScopeContext, role string) (uuid.UUID, bool) {
	id, ok, err := s.cache.Lookup(ctx, gen, sc, role)
	if err != nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "resolve cache lookup failed")
		}
		return uuid.Nil, false
	}
	return id, ok
}

// resolvable re-checks a cached winner against current row state.
func resolvable(asset *models.Asset, sc ScopeContext, role string) bool {
	return asset.ApprovalStatus == enums.ApprovalApproved &&
		asset.RoleKey != nil && *asset.RoleKey == role &&
		Visible(asset, sc)
}

func (s *service) ListEligible(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) ([]Candidate, error) {
	key, err := roles.Parse(roleKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRole, err, "invalid role key").
			WithDetails(map[string]any{"role_key": roleKey})
	}
	sc := ScopeContext{EpisodeID: episodeID, ShowID: showID}
	out := []Candidate{}
	for _, pred := range Chain(sc) {
		rows, err := s.repo.ListApproved(ctx, key.String(), pred)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list eligible assets")
		}
		for _, row := range rows {
			out = append(out, Candidate{Asset: row, Level: pred.Scope})
		}
	}
	return out, nil
}

// CheckEligible validates a direct-by-id pick for roleKey from sc.
func (s *service) CheckEligible(ctx context.Context, assetID uuid.UUID, sc ScopeContext, roleKey string) (*models.Asset, error) {
	asset, err := s.repo.FindByID(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notEligible(assetID, roleKey, "asset not found or deleted")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load asset")
	}
	if err := Eligible(asset, sc, roleKey); err != nil {
		return nil, err
	}
	return asset, nil
}

// Eligible applies the direct-assignment rules to a loaded asset.
func Eligible(asset *models.Asset, sc ScopeContext, roleKey string) error {
	if asset.DeletedAt.Valid {
		return notEligible(asset.ID, roleKey, "asset deleted")
	}
	if asset.ApprovalStatus != enums.ApprovalApproved {
		return notEligible(asset.ID, roleKey, "asset not approved")
	}
	if !Visible(asset, sc) {
		return notEligible(asset.ID, roleKey, "asset not visible from composition scope")
	}
	if asset.RoleKey != nil && *asset.RoleKey != "" && !roles.Compatible(*asset.RoleKey, roleKey) {
		return notEligible(asset.ID, roleKey, "asset role tag incompatible with role")
	}
	return nil
}

func notEligible(assetID uuid.UUID, roleKey, reason string) error {
	return pkgerrors.New(pkgerrors.CodeAssetNotEligible, reason).
		WithDetails(map[string]any{"asset_id": assetID, "role_key": roleKey, "reason": reason})
}

// Intake stores a new asset, or returns the live asset that already owns the
// same content hash. A concurrent insert of the same hash is absorbed by
// re-reading the winner after the unique violation.
func (s *service) Intake(ctx context.Context, input IntakeInput) (*IntakeResult, error) {
	asset, err := buildAsset(input)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.attempts; attempt++ {
		if asset.ContentHash != nil {
			existing, err := s.repo.FindByContentHash(ctx, *asset.ContentHash)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup content hash")
			}
			if existing != nil {
				s.metrics.IncDedupHit()
				return &IntakeResult{Asset: existing, Deduplicated: true}, nil
			}
		}

		candidate := *asset
		candidate.ID = uuid.New()
		err := s.repo.Create(ctx, &candidate)
		if err == nil {
			return &IntakeResult{Asset: &candidate}, nil
		}
		if asset.ContentHash == nil || !db.IsUniqueViolation(err, contentHashConstraint) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create asset")
		}
		s.metrics.IncConflictRetry("intake")
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "content hash contended").
		WithDetails(map[string]any{"content_hash": *asset.ContentHash})
}

// IntakeContent hashes data, and writes it to the content store only when no
// live asset already holds the same bytes. Store keys are content-addressed,
// so an upload that loses the insert race to identical bytes has written the
// winner's object, not an orphan.
func (s *service) IntakeContent(ctx context.Context, input IntakeInput, data []byte, contentType string) (*IntakeResult, error) {
	if s.store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "content store not configured")
	}
	if len(data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "content is empty")
	}
	hash := contenthash.Sum(data)
	existing, err := s.repo.FindByContentHash(ctx, hash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup content hash")
	}
	if existing != nil {
		s.metrics.IncDedupHit()
		return &IntakeResult{Asset: existing, Deduplicated: true}, nil
	}

	key, err := s.store.Put(ctx, data, contentType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store content")
	}
	input.ContentHash = &hash
	input.StorageKeyRaw = key
	return s.Intake(ctx, input)
}

func (s *service) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.Asset, error) {
	return s.setApproval(ctx, id, actor, enums.ApprovalApproved)
}

func (s *service) Reject(ctx context.Context, id uuid.UUID, actor string) (*models.Asset, error) {
	return s.setApproval(ctx, id, actor, enums.ApprovalRejected)
}

// setApproval transitions approval_status. Existing assignments are left as
// they are; only future resolves see the change.
func (s *service) setApproval(ctx context.Context, id uuid.UUID, actor string, status enums.ApprovalStatus) (*models.Asset, error) {
	var updated *models.Asset
	changed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		asset, err := repo.FindByIDForUpdate(ctx, id, false)
		if err != nil {
			return mapLookupError(err, id)
		}
		if asset.ApprovalStatus == status {
			updated = asset
			return nil
		}

		var approvedAt *time.Time
		if status == enums.ApprovalApproved {
			now := s.now().UTC()
			approvedAt = &now
		}
		if err := repo.UpdateApproval(ctx, id, status, approvedAt); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update approval")
		}
		asset.ApprovalStatus = status
		asset.ApprovedAt = approvedAt

		eventType := enums.EventAssetApproved
		if status == enums.ApprovalRejected {
			eventType = enums.EventAssetRejected
		}
		event := outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregateAsset,
			AggregateID:   asset.ID,
			Actor:         actor,
			Data: payloads.AssetApprovalEvent{
				AssetID:   asset.ID,
				RoleKey:   asset.RoleKey,
				Scope:     string(asset.Scope),
				ShowID:    asset.ShowID,
				EpisodeID: asset.EpisodeID,
				Status:    string(status),
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit approval event")
		}
		updated = asset
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.invalidate(ctx)
		if s.logg != nil {
			ctx = s.logg.WithAssetID(ctx, id.String())
			ctx = s.logg.WithFields(ctx, map[string]any{"approval_status": status, "actor": actor})
			s.logg.Info(ctx, "asset approval changed")
		}
	}
	return updated, nil
}

// SoftDelete refuses while a live composition still assigns the asset.
func (s *service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.FindByIDForUpdate(ctx, id, false); err != nil {
			return mapLookupError(err, id)
		}
		referenced, err := repo.HasLiveAssignments(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check asset references")
		}
		if referenced {
			return pkgerrors.New(pkgerrors.CodeConflict, "asset is assigned to a live composition").
				WithDetails(map[string]any{"asset_id": id})
		}
		if err := repo.SoftDelete(ctx, id); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete asset")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Restore undeletes an asset unless another live asset has taken its content hash.
func (s *service) Restore(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var restored *models.Asset
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		asset, err := repo.FindByIDForUpdate(ctx, id, true)
		if err != nil {
			return mapLookupError(err, id)
		}
		if !asset.DeletedAt.Valid {
			restored = asset
			return nil
		}
		if asset.ContentHash != nil {
			owner, err := repo.FindByContentHash(ctx, *asset.ContentHash)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup content hash")
			}
			if owner != nil {
				return hashTaken(*asset.ContentHash, owner.ID)
			}
		}
		if err := repo.Restore(ctx, id); err != nil {
			if db.IsUniqueViolation(err, contentHashConstraint) {
				return pkgerrors.New(pkgerrors.CodeConflict, "content hash owned by another asset")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restore asset")
		}
		asset.DeletedAt = gorm.DeletedAt{}
		restored = asset
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return restored, nil
}

// RecordProcessed stores the pipeline's final hash and derivative key.
func (s *service) RecordProcessed(ctx context.Context, id uuid.UUID, contentHash, processedKey string) (*models.Asset, error) {
	hash, err := contenthash.Normalize(contentHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid content hash").
			WithDetails(map[string]any{"content_hash": contentHash})
	}
	processedKey = strings.TrimSpace(processedKey)
	if processedKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "processed storage key is required")
	}

	var updated *models.Asset
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		asset, err := repo.FindByIDForUpdate(ctx, id, false)
		if err != nil {
			return mapLookupError(err, id)
		}
		owner, err := repo.FindByContentHash(ctx, hash)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup content hash")
		}
		if owner != nil && owner.ID != asset.ID {
			return hashTaken(hash, owner.ID)
		}
		if err := repo.UpdateProcessed(ctx, id, hash, processedKey); err != nil {
			if db.IsUniqueViolation(err, contentHashConstraint) {
				return pkgerrors.New(pkgerrors.CodeConflict, "content hash owned by another asset")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record processed asset")
		}
		asset.ContentHash = &hash
		asset.StorageKeyProcessed = &processedKey
		updated = asset
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil && s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "resolve cache invalidation failed")
	}
}

func hashTaken(hash string, owner uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "content hash owned by another asset").
		WithDetails(map[string]any{"content_hash": hash, "existing_asset_id": owner})
}

func buildAsset(input IntakeInput) (*models.Asset, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "name is required")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "category is required")
	}
	if strings.TrimSpace(input.StorageKeyRaw) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "storage_key_raw is required")
	}
	if strings.TrimSpace(input.CreatedBy) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "created_by is required")
	}
	if err := validateScope(input.Scope, input.ShowID, input.EpisodeID); err != nil {
		return nil, err
	}

	asset := &models.Asset{
		Name:                name,
		Category:            strings.ToUpper(category),
		Scope:               input.Scope,
		ShowID:              input.ShowID,
		EpisodeID:           input.EpisodeID,
		StorageKeyRaw:       strings.TrimSpace(input.StorageKeyRaw),
		StorageKeyProcessed: input.StorageKeyProcessed,
		ApprovalStatus:      enums.ApprovalPending,
		Metadata:            datatypes.JSONMap(input.Metadata),
		CreatedBy:           strings.TrimSpace(input.CreatedBy),
	}
	if input.RoleKey != nil && strings.TrimSpace(*input.RoleKey) != "" {
		key, err := roles.Parse(*input.RoleKey)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid role key").
				WithDetails(map[string]any{"role_key": *input.RoleKey})
		}
		canonical := key.String()
		asset.RoleKey = &canonical
	}
	if input.ContentHash != nil && strings.TrimSpace(*input.ContentHash) != "" {
		hash, err := contenthash.Normalize(*input.ContentHash)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid content hash").
				WithDetails(map[string]any{"content_hash": *input.ContentHash})
		}
		asset.ContentHash = &hash
	}
	return asset, nil
}

func validateScope(scope enums.AssetScope, showID, episodeID *uuid.UUID) error {
	fail := func(msg string) error {
		return pkgerrors.New(pkgerrors.CodeValidation, msg).
			WithDetails(map[string]any{"scope": scope, "show_id": showID, "episode_id": episodeID})
	}
	switch scope {
	case enums.AssetScopeGlobal:
		if showID != nil || episodeID != nil {
			return fail("global assets cannot carry show_id or episode_id")
		}
	case enums.AssetScopeShow:
		if showID == nil || episodeID != nil {
			return fail("show assets require show_id and no episode_id")
		}
	case enums.AssetScopeEpisode:
		if episodeID == nil {
			return fail("episode assets require episode_id")
		}
	default:
		return fail("invalid scope")
	}
	return nil
}

func mapLookupError(err error, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "asset not found").
			WithDetails(map[string]any{"asset_id": id})
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load asset")
}
