package compositions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/internal/assets"
	"github.com/angelmondragon/compositor-backend/internal/templates"
	"github.com/angelmondragon/compositor-backend/pkg/config"
	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/metrics"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/compositor-backend/pkg/roles"
)

const defaultStaleRenderBatch = 100

var errVersionMoved = errors.New("composition version moved")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type templateRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Template, error)
	LockForReference(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Template, error)
}

type assetCatalog interface {
	Resolve(ctx context.Context, episodeID uuid.UUID, showID *uuid.UUID, roleKey string) (*models.Asset, error)
	CheckEligible(ctx context.Context, assetID uuid.UUID, sc assets.ScopeContext, roleKey string) (*models.Asset, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error)
	LockAssignable(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]models.Asset, error)
}

// RenderDispatch runs inside BeginRender's transaction once the composition
// has moved to rendering. Returning an error rolls the transition back.
type RenderDispatch func(tx *gorm.DB, plan *RenderPlan) error

// Service manages compositions, their role assignments and version history.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*Detail, error)
	Get(ctx context.Context, id uuid.UUID) (*Detail, error)
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]models.Composition, error)
	PrimaryForEpisode(ctx context.Context, episodeID uuid.UUID) (*models.Composition, error)
	AssignRole(ctx context.Context, input AssignInput) (*Detail, error)
	SetConfig(ctx context.Context, id uuid.UUID, cfg map[string]any, actor string) (*Detail, error)
	Rollback(ctx context.Context, id uuid.UUID, toVersion int, actor string) (*Detail, error)
	SetPrimary(ctx context.Context, id uuid.UUID, actor string) (*models.Composition, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) (*models.Composition, error)
	ListVersions(ctx context.Context, id uuid.UUID) ([]models.CompositionVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID, number int) (*models.CompositionVersion, error)
	PrepareRender(ctx context.Context, id uuid.UUID) (*RenderPlan, error)
	BeginRender(ctx context.Context, id uuid.UUID, dispatch RenderDispatch) (*RenderPlan, error)
	FinishRender(ctx context.Context, id uuid.UUID, version int, renderErr string) (*models.Composition, error)
	ExpireStaleRenders(ctx context.Context, before time.Time, limit int) (int, error)
}

type ServiceParams struct {
	Repository Repository
	Tx         txRunner
	Outbox     outboxPublisher
	Templates  templateRegistry
	Assets     assetCatalog
	Engine     config.EngineConfig
	Metrics    *metrics.Engine
	Logger     *logger.Logger
}

type service struct {
	repo       Repository
	tx         txRunner
	outbox     outboxPublisher
	templates  templateRegistry
	assets     assetCatalog
	maxRetries int
	backoff    time.Duration
	metrics    *metrics.Engine
	logg       *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("composition repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Templates == nil {
		return nil, fmt.Errorf("template registry required")
	}
	if params.Assets == nil {
		return nil, fmt.Errorf("asset catalog required")
	}
	retries := params.Engine.MaxConflictRetries
	if retries < 0 {
		retries = 0
	}
	return &service{
		repo:       params.Repository,
		tx:         params.Tx,
		outbox:     params.Outbox,
		templates:  params.Templates,
		assets:     params.Assets,
		maxRetries: retries,
		backoff:    params.Engine.ConflictBackoff,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*Detail, error) {
	if input.EpisodeID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "episode_id is required")
	}
	if input.ShowID != nil && *input.ShowID == uuid.Nil {
		input.ShowID = nil
	}
	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	template, err := s.templates.Get(ctx, input.TemplateID)
	if err != nil {
		return nil, err
	}
	if template.SupersededBy != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "template has been superseded").
			WithDetails(map[string]any{"template_id": template.ID, "superseded_by": *template.SupersededBy})
	}

	composition := &models.Composition{
		ID:             uuid.New(),
		EpisodeID:      input.EpisodeID,
		ShowID:         input.ShowID,
		TemplateID:     template.ID,
		CurrentVersion: 1,
		Config:         datatypes.JSONMap(input.Config),
		RenderStatus:   enums.RenderStatusDraft,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		// Holding the template row keeps an in-place edit from landing
		// between this check and the insert.
		if _, err := s.templates.LockForReference(ctx, tx, template.ID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, composition); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create composition")
		}
		version := &models.CompositionVersion{
			CompositionID:   composition.ID,
			VersionNumber:   1,
			RoleAssignments: datatypes.NewJSONType(models.RoleAssignments{}),
			ConfigSnapshot:  composition.Config,
			Actor:           actor,
			ChangeSummary:   "created",
		}
		if err := repo.InsertVersion(ctx, version); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write initial version")
		}
		return s.emitVersioned(ctx, tx, composition, version, models.RoleAssignments{})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncVersionWritten("create")
	s.logVersion(ctx, composition, "create", actor)
	return &Detail{Composition: *composition, Roles: models.RoleAssignments{}}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Detail, error) {
	composition, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err, id)
	}
	current, err := loadRoles(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Composition: *composition, Roles: current}, nil
}

func (s *service) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]models.Composition, error) {
	rows, err := s.repo.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list compositions")
	}
	return rows, nil
}

func (s *service) PrimaryForEpisode(ctx context.Context, episodeID uuid.UUID) (*models.Composition, error) {
	composition, err := s.repo.FindPrimary(ctx, episodeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load primary composition")
	}
	if composition == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "episode has no primary composition").
			WithDetails(map[string]any{"episode_id": episodeID})
	}
	return composition, nil
}

// AssignRole fills one role and appends a version carrying the full role map.
// The asset is picked before the write transaction and checked again under
// a share lock inside it, so a concurrent SoftDelete either waits and sees
// the assignment or wins and fails this call.
func (s *service) AssignRole(ctx context.Context, input AssignInput) (*Detail, error) {
	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	composition, err := s.repo.FindByID(ctx, input.CompositionID)
	if err != nil {
		return nil, mapLookupError(err, input.CompositionID)
	}
	template, err := s.templates.Get(ctx, composition.TemplateID)
	if err != nil {
		return nil, err
	}
	role := roles.Normalize(input.RoleKey)
	if err := templates.CheckRole(template, role); err != nil {
		return nil, err
	}

	sc := assets.ScopeContext{EpisodeID: composition.EpisodeID, ShowID: composition.ShowID}
	var asset *models.Asset
	if input.AssetID == nil {
		asset, err = s.assets.Resolve(ctx, composition.EpisodeID, composition.ShowID, role)
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeAssetNotEligible, "no approved asset resolves for role").
				WithDetails(map[string]any{"role_key": role, "episode_id": composition.EpisodeID})
		}
	} else {
		asset, err = s.assets.CheckEligible(ctx, *input.AssetID, sc, role)
	}
	if err != nil {
		return nil, err
	}

	assetID := asset.ID
	return s.writeVersion(ctx, input.CompositionID, "assign_role", actor,
		func(ctx context.Context, tx *gorm.DB, _ Repository, _ *models.Composition, current models.RoleAssignments) (*versionChange, error) {
			locked, err := s.assets.LockAssignable(ctx, tx, []uuid.UUID{assetID})
			if err != nil {
				return nil, err
			}
			row, ok := locked[assetID]
			if !ok {
				return nil, assetGone(role, assetID)
			}
			if err := assets.Eligible(&row, sc, role); err != nil {
				return nil, err
			}
			next := current.Clone()
			next[role] = assetID
			return &versionChange{
				roles:        next,
				changedRoles: []string{role},
				summary:      fmt.Sprintf("assigned %s", role),
				cause:        "assign",
			}, nil
		})
}

func (s *service) SetConfig(ctx context.Context, id uuid.UUID, cfg map[string]any, actor string) (*Detail, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return s.writeVersion(ctx, id, "set_config", actor,
		func(_ context.Context, _ *gorm.DB, _ Repository, _ *models.Composition, current models.RoleAssignments) (*versionChange, error) {
			return &versionChange{
				roles:         current,
				config:        cfg,
				configChanged: true,
				summary:       "config updated",
				cause:         "config",
			}, nil
		})
}

// Rollback copies snapshot toVersion forward as a new version. History is
// never rewritten.
func (s *service) Rollback(ctx context.Context, id uuid.UUID, toVersion int, actor string) (*Detail, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	target, err := s.repo.FindVersion(ctx, id, toVersion)
	if err != nil {
		return nil, mapVersionError(err, id, toVersion)
	}
	snapshot := target.Roles()
	ids := make([]uuid.UUID, 0, len(snapshot))
	for _, assetID := range snapshot {
		ids = append(ids, assetID)
	}

	from := toVersion
	return s.writeVersion(ctx, id, "rollback", actor,
		func(ctx context.Context, tx *gorm.DB, _ Repository, _ *models.Composition, _ models.RoleAssignments) (*versionChange, error) {
			// Approval is not re-checked; deletion is.
			live, err := s.assets.LockAssignable(ctx, tx, ids)
			if err != nil {
				return nil, err
			}
			for _, role := range sortedRoles(snapshot) {
				if _, ok := live[snapshot[role]]; !ok {
					return nil, pkgerrors.New(pkgerrors.CodeAssetNotEligible, "snapshot references a deleted asset").
						WithDetails(map[string]any{"role_key": role, "asset_id": snapshot[role], "version_number": toVersion})
				}
			}
			return &versionChange{
				roles:          snapshot.Clone(),
				config:         map[string]any(target.ConfigSnapshot),
				configChanged:  true,
				replaceAll:     true,
				summary:        fmt.Sprintf("rolled back to version %d", toVersion),
				cause:          "rollback",
				rolledBackFrom: &from,
			}, nil
		})
}

func assetGone(role string, assetID uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeAssetNotEligible, "asset not found or deleted").
		WithDetails(map[string]any{"role_key": role, "asset_id": assetID, "reason": "asset not found or deleted"})
}

type mutateFunc func(ctx context.Context, tx *gorm.DB, repo Repository, composition *models.Composition, current models.RoleAssignments) (*versionChange, error)

// writeVersion runs mutate under the composition row lock and appends the
// resulting snapshot. Losing a race on current_version retries the whole
// transaction, so every winner writes a strictly greater version.
func (s *service) writeVersion(ctx context.Context, id uuid.UUID, op, actor string, mutate mutateFunc) (*Detail, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveDuration(op, time.Since(started)) }()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.IncConflictRetry(op)
			if err := s.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		detail, cause, err := s.writeVersionOnce(ctx, id, actor, mutate)
		if err == nil {
			s.metrics.IncVersionWritten(cause)
			s.logVersion(ctx, &detail.Composition, op, actor)
			return detail, nil
		}
		if !retryable(err) {
			if pkgerrors.As(err) != nil {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write composition version")
		}
		lastErr = err
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, lastErr, "composition changed concurrently").
		WithDetails(map[string]any{"composition_id": id, "attempts": s.maxRetries + 1})
}

func (s *service) writeVersionOnce(ctx context.Context, id uuid.UUID, actor string, mutate mutateFunc) (*Detail, string, error) {
	var (
		detail *Detail
		cause  string
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		composition, err := repo.FindByIDForUpdate(ctx, id, false)
		if err != nil {
			return mapLookupError(err, id)
		}
		current, err := loadRoles(ctx, repo, id)
		if err != nil {
			return err
		}
		change, err := mutate(ctx, tx, repo, composition, current)
		if err != nil {
			return err
		}

		next := composition.CurrentVersion + 1
		config := composition.Config
		var configUpdate *datatypes.JSONMap
		if change.configChanged {
			config = datatypes.JSONMap(change.config)
			configUpdate = &config
		}
		moved, err := repo.BumpVersion(ctx, id, composition.CurrentVersion, next, configUpdate)
		if err != nil {
			return err
		}
		if !moved {
			return errVersionMoved
		}

		version := &models.CompositionVersion{
			CompositionID:   id,
			VersionNumber:   next,
			RoleAssignments: datatypes.NewJSONType(change.roles),
			ConfigSnapshot:  config,
			Actor:           actor,
			ChangeSummary:   change.summary,
			RolledBackFrom:  change.rolledBackFrom,
		}
		if err := repo.InsertVersion(ctx, version); err != nil {
			return err
		}
		if err := replaceAssignments(ctx, repo, id, next, change); err != nil {
			return err
		}

		composition.CurrentVersion = next
		composition.Config = config
		composition.RenderStatus = enums.RenderStatusDraft
		composition.RenderError = nil
		if err := s.emitVersioned(ctx, tx, composition, version, change.roles); err != nil {
			return err
		}
		detail = &Detail{Composition: *composition, Roles: change.roles}
		cause = change.cause
		return nil
	})
	return detail, cause, err
}

func replaceAssignments(ctx context.Context, repo Repository, id uuid.UUID, version int, change *versionChange) error {
	var changed []string
	if change.replaceAll {
		if err := repo.RetireAllAssignments(ctx, id); err != nil {
			return err
		}
		changed = sortedRoles(change.roles)
	} else {
		for _, role := range change.changedRoles {
			if err := repo.RetireAssignment(ctx, id, role); err != nil {
				return err
			}
		}
		changed = change.changedRoles
	}

	rows := make([]models.CompositionAssetAssignment, 0, len(changed))
	for _, role := range changed {
		assetID, ok := change.roles[role]
		if !ok {
			continue
		}
		rows = append(rows, models.CompositionAssetAssignment{
			CompositionID: id,
			RoleKey:       role,
			AssetID:       assetID,
			VersionNumber: version,
		})
	}
	return repo.InsertAssignments(ctx, rows)
}

// SetPrimary makes id the episode's only primary. Under Postgres the
// transaction runs at REPEATABLE READ; the partial unique index turns any
// interleaving that slips through into a retryable violation.
func (s *service) SetPrimary(ctx context.Context, id uuid.UUID, actor string) (*models.Composition, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveDuration("set_primary", time.Since(started)) }()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.IncConflictRetry("set_primary")
			if err := s.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		composition, changed, err := s.setPrimaryOnce(ctx, id, actor)
		if err == nil {
			if changed && s.logg != nil {
				logCtx := s.logg.WithCompositionID(ctx, id.String())
				logCtx = s.logg.WithFields(logCtx, map[string]any{"episode_id": composition.EpisodeID, "actor": actor})
				s.logg.Info(logCtx, "primary composition changed")
			}
			return composition, nil
		}
		if !retryable(err) {
			if pkgerrors.As(err) != nil {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set primary composition")
		}
		lastErr = err
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, lastErr, "primary changed concurrently").
		WithDetails(map[string]any{"composition_id": id})
}

func (s *service) setPrimaryOnce(ctx context.Context, id uuid.UUID, actor string) (*models.Composition, bool, error) {
	var (
		result  *models.Composition
		changed bool
	)
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	err := s.tx.WithTxOptions(ctx, opts, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		composition, err := repo.FindByIDForUpdate(ctx, id, true)
		if err != nil {
			return mapLookupError(err, id)
		}
		if composition.DeletedAt.Valid {
			return pkgerrors.New(pkgerrors.CodeConflict, "composition is deleted").
				WithDetails(map[string]any{"composition_id": id})
		}
		result = composition
		if composition.IsPrimary {
			return nil
		}

		previous, err := repo.FindPrimary(ctx, composition.EpisodeID)
		if err != nil {
			return err
		}
		if err := repo.ClearPrimary(ctx, composition.EpisodeID); err != nil {
			return err
		}
		if err := repo.MarkPrimary(ctx, id); err != nil {
			return err
		}

		event := payloads.CompositionPrimaryChangedEvent{
			EpisodeID:     composition.EpisodeID,
			CompositionID: id,
		}
		if previous != nil {
			event.PreviousPrimaryID = &previous.ID
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCompositionPrimaryChanged,
			AggregateType: enums.AggregateComposition,
			AggregateID:   id,
			Actor:         actor,
			Data:          event,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit primary changed event")
		}
		composition.IsPrimary = true
		changed = true
		return nil
	})
	return result, changed, err
}

// Delete soft-deletes the composition. Versions, assignments and outputs stay.
func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.FindByIDForUpdate(ctx, id, false); err != nil {
			return mapLookupError(err, id)
		}
		if err := repo.SoftDelete(ctx, id); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete composition")
		}
		return nil
	})
}

// Restore undeletes a composition. If another composition became the
// episode's primary meanwhile, the restored one comes back as non-primary.
func (s *service) Restore(ctx context.Context, id uuid.UUID) (*models.Composition, error) {
	var restored *models.Composition
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		composition, err := repo.FindByIDForUpdate(ctx, id, true)
		if err != nil {
			return mapLookupError(err, id)
		}
		restored = composition
		if !composition.DeletedAt.Valid {
			return nil
		}
		clearPrimary := false
		if composition.IsPrimary {
			other, err := repo.FindPrimary(ctx, composition.EpisodeID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load primary composition")
			}
			clearPrimary = other != nil
		}
		if err := repo.Restore(ctx, id, clearPrimary); err != nil {
			if db.IsUniqueViolation(err, primaryConstraint) {
				return pkgerrors.New(pkgerrors.CodeConflict, "episode primary changed concurrently")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restore composition")
		}
		composition.DeletedAt = gorm.DeletedAt{}
		if clearPrimary {
			composition.IsPrimary = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *service) ListVersions(ctx context.Context, id uuid.UUID) ([]models.CompositionVersion, error) {
	rows, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list versions")
	}
	// Every composition has version 1, so no rows means no composition.
	if len(rows) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "composition not found").
			WithDetails(map[string]any{"composition_id": id})
	}
	return rows, nil
}

func (s *service) GetVersion(ctx context.Context, id uuid.UUID, number int) (*models.CompositionVersion, error) {
	version, err := s.repo.FindVersion(ctx, id, number)
	if err != nil {
		return nil, mapVersionError(err, id, number)
	}
	return version, nil
}

// PrepareRender builds the render plan for the current version, or fails
// with NotReady listing the unfilled required roles.
func (s *service) PrepareRender(ctx context.Context, id uuid.UUID) (*RenderPlan, error) {
	composition, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err, id)
	}
	current, err := loadRoles(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	return s.buildPlan(ctx, composition, current)
}

func (s *service) buildPlan(ctx context.Context, composition *models.Composition, current models.RoleAssignments) (*RenderPlan, error) {
	template, err := s.templates.Get(ctx, composition.TemplateID)
	if err != nil {
		return nil, err
	}
	filled := sortedRoles(current)
	if missing := templates.MissingRoles(template, filled); len(missing) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotReady, "required roles are unfilled").
			WithDetails(map[string]any{"composition_id": composition.ID, "missing_roles": missing})
	}

	ids := make([]uuid.UUID, 0, len(current))
	for _, role := range filled {
		ids = append(ids, current[role])
	}
	assetsByID, err := s.assets.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	plan := &RenderPlan{
		CompositionID:  composition.ID,
		EpisodeID:      composition.EpisodeID,
		TemplateID:     template.ID,
		VersionNumber:  composition.CurrentVersion,
		Roles:          make(map[string]RoleAsset, len(current)),
		Config:         map[string]any(composition.Config),
		LayoutByFormat: map[string]any(template.LayoutByFormat),
	}
	for _, role := range filled {
		asset, ok := assetsByID[current[role]]
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeAssetNotEligible, "assigned asset is no longer available").
				WithDetails(map[string]any{"role_key": role, "asset_id": current[role]})
		}
		plan.Roles[role] = RoleAsset{AssetID: asset.ID, StorageKey: asset.RenderKey()}
	}
	return plan, nil
}

// BeginRender moves the composition to rendering and calls dispatch in the
// same transaction. The plan is rejected if a new version landed after it
// was built.
func (s *service) BeginRender(ctx context.Context, id uuid.UUID, dispatch RenderDispatch) (*RenderPlan, error) {
	plan, err := s.PrepareRender(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		composition, err := repo.FindByIDForUpdate(ctx, id, false)
		if err != nil {
			return mapLookupError(err, id)
		}
		if composition.CurrentVersion != plan.VersionNumber {
			return pkgerrors.New(pkgerrors.CodeConflict, "composition changed while preparing render").
				WithDetails(map[string]any{"composition_id": id})
		}
		if err := transition(ctx, repo, composition, enums.RenderStatusRendering, nil); err != nil {
			return err
		}
		if dispatch == nil {
			return nil
		}
		return dispatch(tx, plan)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// FinishRender records the renderer's verdict for version. Results for a
// version that is no longer current leave the status alone.
func (s *service) FinishRender(ctx context.Context, id uuid.UUID, version int, renderErr string) (*models.Composition, error) {
	var result *models.Composition
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		composition, err := repo.FindByIDForUpdate(ctx, id, false)
		if err != nil {
			return mapLookupError(err, id)
		}
		result = composition
		if composition.CurrentVersion != version {
			return nil
		}
		if renderErr != "" {
			msg := renderErr
			return transition(ctx, repo, composition, enums.RenderStatusError, &msg)
		}
		return transition(ctx, repo, composition, enums.RenderStatusComplete, nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireStaleRenders fails renders that have waited since before for a
// result. A row that moved on while the sweep ran is skipped.
func (s *service) ExpireStaleRenders(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultStaleRenderBatch
	}
	stale, err := s.repo.ListStaleRendering(ctx, before, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale renders")
	}

	expired := 0
	for _, candidate := range stale {
		changed := false
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			composition, err := repo.FindByIDForUpdate(ctx, candidate.ID, false)
			if err != nil {
				return mapLookupError(err, candidate.ID)
			}
			if composition.RenderStatus != enums.RenderStatusRendering || !composition.UpdatedAt.Before(before) {
				return nil
			}
			msg := fmt.Sprintf("no render result for version %d before %s", composition.CurrentVersion, before.UTC().Format(time.RFC3339))
			if err := transition(ctx, repo, composition, enums.RenderStatusError, &msg); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) || pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
				continue
			}
			return expired, err
		}
		if changed {
			expired++
			if s.logg != nil {
				logCtx := s.logg.WithCompositionID(ctx, candidate.ID.String())
				s.logg.Warn(s.logg.WithField(logCtx, "version_number", candidate.CurrentVersion), "render expired without a result")
			}
		}
	}
	return expired, nil
}

func transition(ctx context.Context, repo Repository, composition *models.Composition, to enums.RenderStatus, renderErr *string) error {
	from := composition.RenderStatus
	if !from.CanTransitionTo(to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "render status transition disallowed").
			WithDetails(map[string]any{"composition_id": composition.ID, "from": from, "to": to})
	}
	ok, err := repo.UpdateRenderStatus(ctx, composition.ID, from, to, renderErr)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update render status")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "render status changed concurrently")
	}
	composition.RenderStatus = to
	composition.RenderError = renderErr
	return nil
}

func (s *service) emitVersioned(ctx context.Context, tx *gorm.DB, composition *models.Composition, version *models.CompositionVersion, current models.RoleAssignments) error {
	event := outbox.DomainEvent{
		EventType:     enums.EventCompositionVersioned,
		AggregateType: enums.AggregateComposition,
		AggregateID:   composition.ID,
		Actor:         version.Actor,
		Data: payloads.CompositionVersionedEvent{
			CompositionID:  composition.ID,
			EpisodeID:      composition.EpisodeID,
			VersionNumber:  version.VersionNumber,
			ChangeSummary:  version.ChangeSummary,
			RoleAssignment: current,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit composition versioned event")
	}
	return nil
}

func (s *service) logVersion(ctx context.Context, composition *models.Composition, op, actor string) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithCompositionID(ctx, composition.ID.String())
	ctx = s.logg.WithFields(ctx, map[string]any{
		"operation":      op,
		"version_number": composition.CurrentVersion,
		"actor":          actor,
		"template_id":    composition.TemplateID.String(),
		"episode_id":     composition.EpisodeID.String(),
	})
	s.logg.Info(ctx, "composition versioned")
}

func (s *service) wait(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func loadRoles(ctx context.Context, repo Repository, id uuid.UUID) (models.RoleAssignments, error) {
	rows, err := repo.ActiveAssignments(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load assignments")
	}
	out := make(models.RoleAssignments, len(rows))
	for _, row := range rows {
		out[row.RoleKey] = row.AssetID
	}
	return out, nil
}

// retryable reports whether err came from losing a race with another writer.
func retryable(err error) bool {
	if errors.Is(err, errVersionMoved) {
		return true
	}
	if pkgerrors.As(err) != nil {
		return false
	}
	return db.IsUniqueViolation(err, "") || db.IsSerializationFailure(err)
}

func sortedRoles(m models.RoleAssignments) []string {
	out := make([]string, 0, len(m))
	for role := range m {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func mapLookupError(err error, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "composition not found").
			WithDetails(map[string]any{"composition_id": id})
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load composition")
}

func mapVersionError(err error, id uuid.UUID, number int) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeVersionNotFound, "composition version not found").
			WithDetails(map[string]any{"composition_id": id, "version_number": number})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load composition version")
}
