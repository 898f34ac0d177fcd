// Package rendering hands composition versions to the external renderer and
// applies the renderer's replies.
package rendering

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compositor-backend/internal/compositions"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/formats"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
)

type compositionRenderer interface {
	BeginRender(ctx context.Context, id uuid.UUID, dispatch compositions.RenderDispatch) (*compositions.RenderPlan, error)
	FinishRender(ctx context.Context, id uuid.UUID, version int, renderErr string) (*models.Composition, error)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Dispatcher turns a ready composition into a render_requested event.
type Dispatcher struct {
	compositions compositionRenderer
	outbox       outboxPublisher
	formats      *formats.Catalog
	logg         *logger.Logger
}

func NewDispatcher(comps compositionRenderer, emitter outboxPublisher, catalog *formats.Catalog, logg *logger.Logger) (*Dispatcher, error) {
	if comps == nil {
		return nil, fmt.Errorf("composition service required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("format catalog required")
	}
	return &Dispatcher{compositions: comps, outbox: emitter, formats: catalog, logg: logg}, nil
}

// Request moves the composition to rendering and queues the render request
// in the same transaction. An empty formatIDs renders every known format.
func (d *Dispatcher) Request(ctx context.Context, compositionID uuid.UUID, formatIDs []string, supersede bool, actor string) (*payloads.RenderRequestedEvent, error) {
	selected, err := d.formats.Resolve(formatIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid formats").
			WithDetails(map[string]any{"formats": formatIDs, "known_formats": d.formats.IDs()})
	}

	var request *payloads.RenderRequestedEvent
	_, err = d.compositions.BeginRender(ctx, compositionID, func(tx *gorm.DB, plan *compositions.RenderPlan) error {
		request = buildRequest(plan, selected, supersede)
		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRenderRequested,
			AggregateType: enums.AggregateComposition,
			AggregateID:   plan.CompositionID,
			Actor:         actor,
			Data:          request,
		})
	})
	if err != nil {
		return nil, err
	}

	if d.logg != nil {
		ids := make([]string, 0, len(request.Formats))
		for _, f := range request.Formats {
			ids = append(ids, f.ID)
		}
		logCtx := d.logg.WithCompositionID(ctx, compositionID.String())
		logCtx = d.logg.WithFields(logCtx, map[string]any{
			"request_id":     request.RequestID.String(),
			"version_number": request.VersionNumber,
			"formats":        strings.Join(ids, ","),
			"supersede":      supersede,
		})
		d.logg.Info(logCtx, "render requested")
	}
	return request, nil
}

func buildRequest(plan *compositions.RenderPlan, selected []formats.Format, supersede bool) *payloads.RenderRequestedEvent {
	request := &payloads.RenderRequestedEvent{
		RequestID:     uuid.New(),
		CompositionID: plan.CompositionID,
		VersionNumber: plan.VersionNumber,
		TemplateID:    plan.TemplateID,
		Formats:       make([]payloads.RenderFormat, 0, len(selected)),
		RoleAssetMap:  plan.StorageKeys(),
		Config:        plan.Config,
		Supersede:     supersede,
	}
	for _, f := range selected {
		rf := payloads.RenderFormat{
			ID:          f.ID,
			Width:       f.Width,
			Height:      f.Height,
			AspectRatio: f.AspectRatio,
		}
		if layout, ok := plan.LayoutByFormat[f.ID].(map[string]any); ok {
			rf.Layout = layout
		}
		request.Formats = append(request.Formats, rf)
	}
	return request
}
