package rendering

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/compositor-backend/internal/outputs"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
)

const rendererActor = "renderer"

type outputRecorder interface {
	Record(ctx context.Context, input outputs.RecordInput) (*models.Output, error)
}

// ResultHandler applies a renderer reply: outputs first, then the status.
type ResultHandler struct {
	compositions compositionRenderer
	outputs      outputRecorder
	logg         *logger.Logger
}

func NewResultHandler(comps compositionRenderer, recorder outputRecorder, logg *logger.Logger) (*ResultHandler, error) {
	if comps == nil {
		return nil, fmt.Errorf("composition service required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("output recorder required")
	}
	return &ResultHandler{compositions: comps, outputs: recorder, logg: logg}, nil
}

// Handle records every reported output. Outputs that already exist without
// a supersede flag fail the render instead of overwriting history.
func (h *ResultHandler) Handle(ctx context.Context, result payloads.RenderResult) error {
	if result.VersionNumber < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "render result missing version").
			WithDetails(map[string]any{"composition_id": result.CompositionID})
	}

	failure := strings.TrimSpace(result.Error)
	if failure == "" {
		conflicts, err := h.recordOutputs(ctx, result)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			failure = fmt.Sprintf("outputs already recorded for %s; request a superseding render", strings.Join(conflicts, ", "))
		}
	}

	composition, err := h.compositions.FinishRender(ctx, result.CompositionID, result.VersionNumber, failure)
	if err != nil {
		return err
	}

	if h.logg != nil {
		logCtx := h.logg.WithCompositionID(ctx, result.CompositionID.String())
		logCtx = h.logg.WithFields(logCtx, map[string]any{
			"request_id":     result.RequestID.String(),
			"version_number": result.VersionNumber,
			"current":        composition.CurrentVersion,
			"render_status":  composition.RenderStatus,
			"outputs":        len(result.Outputs),
		})
		if failure != "" {
			h.logg.Warn(h.logg.WithField(logCtx, "render_error", failure), "render failed")
		} else {
			h.logg.Info(logCtx, "render result applied")
		}
	}
	return nil
}

func (h *ResultHandler) recordOutputs(ctx context.Context, result payloads.RenderResult) ([]string, error) {
	formatIDs := make([]string, 0, len(result.Outputs))
	for formatID := range result.Outputs {
		formatIDs = append(formatIDs, formatID)
	}
	sort.Strings(formatIDs)

	conflicts := []string{}
	for _, formatID := range formatIDs {
		_, err := h.outputs.Record(ctx, outputs.RecordInput{
			CompositionID: result.CompositionID,
			VersionNumber: result.VersionNumber,
			FormatID:      formatID,
			StorageKey:    result.Outputs[formatID],
			RenderedAt:    result.RenderedAt,
			Supersede:     result.Supersede,
			Actor:         rendererActor,
		})
		if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			conflicts = append(conflicts, formatID)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}
