package outputs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/pkg/db"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/formats"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service tracks rendered outputs per composition version and format.
type Service interface {
	Record(ctx context.Context, input RecordInput) (*models.Output, error)
	RecordWithTx(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.Output, error)
	LatestOutputs(ctx context.Context, compositionID uuid.UUID) (map[string]models.Output, error)
	ForVersion(ctx context.Context, compositionID uuid.UUID, version int) (map[string]models.Output, error)
	Supersede(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (int64, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	formats *formats.Catalog
	logg    *logger.Logger
}

// NewService builds the tracker. formatCatalog may be nil, in which case any
// format id is accepted.
func NewService(repo Repository, tx txRunner, emitter outboxPublisher, formatCatalog *formats.Catalog, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("output repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, tx: tx, outbox: emitter, formats: formatCatalog, logg: logg}, nil
}

// Record stores an output. Without Supersede a second live output for the
// same triple is a Conflict.
func (s *service) Record(ctx context.Context, input RecordInput) (*models.Output, error) {
	var output *models.Output
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		output, err = s.RecordWithTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithCompositionID(ctx, output.CompositionID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"version_number": output.VersionNumber,
			"format_id":      output.FormatID,
			"supersede":      input.Supersede,
		})
		s.logg.Info(logCtx, "output recorded")
	}
	return output, nil
}

// RecordWithTx is Record inside the caller's transaction.
func (s *service) RecordWithTx(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.Output, error) {
	formatID, err := s.validate(input)
	if err != nil {
		return nil, err
	}
	repo := s.repo.WithTx(tx)

	current, err := repo.CurrentVersion(ctx, input.CompositionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "composition not found").
				WithDetails(map[string]any{"composition_id": input.CompositionID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load composition")
	}
	if input.VersionNumber > current {
		return nil, pkgerrors.New(pkgerrors.CodeVersionNotFound, "composition version not found").
			WithDetails(map[string]any{"composition_id": input.CompositionID, "version_number": input.VersionNumber})
	}

	existing, err := repo.FindActive(ctx, input.CompositionID, input.VersionNumber, formatID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load output")
	}
	if existing != nil {
		if !input.Supersede {
			return nil, conflict(input.CompositionID, input.VersionNumber, formatID, existing.ID)
		}
		if _, err := repo.Supersede(ctx, input.CompositionID, input.VersionNumber, formatID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "supersede output")
		}
	}

	output := &models.Output{
		ID:            uuid.New(),
		CompositionID: input.CompositionID,
		VersionNumber: input.VersionNumber,
		FormatID:      formatID,
		StorageKey:    strings.TrimSpace(input.StorageKey),
		RenderedAt:    input.RenderedAt.UTC(),
	}
	if err := repo.Create(ctx, output); err != nil {
		if db.IsUniqueViolation(err, activeTripleConstraint) {
			return nil, conflict(input.CompositionID, input.VersionNumber, formatID, uuid.Nil)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create output")
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventOutputRecorded,
		AggregateType: enums.AggregateComposition,
		AggregateID:   output.CompositionID,
		Actor:         input.Actor,
		Data: payloads.OutputRecordedEvent{
			OutputID:      output.ID,
			CompositionID: output.CompositionID,
			VersionNumber: output.VersionNumber,
			FormatID:      output.FormatID,
			StorageKey:    output.StorageKey,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit output recorded event")
	}
	return output, nil
}

func (s *service) validate(input RecordInput) (string, error) {
	if input.CompositionID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "composition_id is required")
	}
	if input.VersionNumber < 1 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "version_number must be positive").
			WithDetails(map[string]any{"version_number": input.VersionNumber})
	}
	if strings.TrimSpace(input.StorageKey) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "storage_key is required")
	}
	formatID := strings.ToUpper(strings.TrimSpace(input.FormatID))
	if formatID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "format_id is required")
	}
	if s.formats != nil {
		if _, ok := s.formats.Get(formatID); !ok {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "unknown format").
				WithDetails(map[string]any{"format_id": formatID, "known_formats": s.formats.IDs()})
		}
	}
	return formatID, nil
}

// LatestOutputs returns the live outputs of the composition's current version.
func (s *service) LatestOutputs(ctx context.Context, compositionID uuid.UUID) (map[string]models.Output, error) {
	current, err := s.repo.CurrentVersion(ctx, compositionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "composition not found").
				WithDetails(map[string]any{"composition_id": compositionID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load composition")
	}
	return s.ForVersion(ctx, compositionID, current)
}

func (s *service) ForVersion(ctx context.Context, compositionID uuid.UUID, version int) (map[string]models.Output, error) {
	rows, err := s.repo.ListForVersion(ctx, compositionID, version)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list outputs")
	}
	out := make(map[string]models.Output, len(rows))
	for _, row := range rows {
		out[row.FormatID] = row
	}
	return out, nil
}

// Supersede retires live outputs so the version can be rendered again.
func (s *service) Supersede(ctx context.Context, compositionID uuid.UUID, version int, formatID string) (int64, error) {
	formatID = strings.ToUpper(strings.TrimSpace(formatID))
	count, err := s.repo.Supersede(ctx, compositionID, version, formatID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "supersede outputs")
	}
	return count, nil
}

func conflict(compositionID uuid.UUID, version int, formatID string, existing uuid.UUID) error {
	details := map[string]any{
		"composition_id": compositionID,
		"version_number": version,
		"format_id":      formatID,
	}
	if existing != uuid.Nil {
		details["existing_output_id"] = existing
	}
	return pkgerrors.New(pkgerrors.CodeConflict, "output already recorded; supersede required").WithDetails(details)
}
