package controllers

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/api/responses"
	"github.com/angelmondragon/compositor-backend/api/validators"
	"github.com/angelmondragon/compositor-backend/internal/outputs"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
)

type supersedeRequest struct {
	FormatID string `json:"format_id"`
}

type outputResponse struct {
	ID            uuid.UUID `json:"id"`
	CompositionID uuid.UUID `json:"composition_id"`
	VersionNumber int       `json:"version_number"`
	FormatID      string    `json:"format_id"`
	StorageKey    string    `json:"storage_key"`
	RenderedAt    time.Time `json:"rendered_at"`
}

func outputList(byFormat map[string]models.Output) []outputResponse {
	formatIDs := make([]string, 0, len(byFormat))
	for formatID := range byFormat {
		formatIDs = append(formatIDs, formatID)
	}
	sort.Strings(formatIDs)
	out := make([]outputResponse, 0, len(formatIDs))
	for _, formatID := range formatIDs {
		o := byFormat[formatID]
		out = append(out, outputResponse{
			ID:            o.ID,
			CompositionID: o.CompositionID,
			VersionNumber: o.VersionNumber,
			FormatID:      o.FormatID,
			StorageKey:    o.StorageKey,
			RenderedAt:    o.RenderedAt,
		})
	}
	return out
}

// OutputsLatest lists the outputs of the composition's current version.
func OutputsLatest(svc outputs.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		byFormat, err := svc.LatestOutputs(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, outputList(byFormat))
	}
}

func OutputsForVersion(svc outputs.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		version, err := validators.URLPositiveInt(r, "version")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		byFormat, err := svc.ForVersion(r.Context(), id, version)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, outputList(byFormat))
	}
}

// OutputsSupersede retires the outputs of a version so it can be re-rendered.
// An empty format_id retires every format.
func OutputsSupersede(svc outputs.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		version, err := validators.URLPositiveInt(r, "version")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload supersedeRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		count, err := svc.Supersede(r.Context(), id, version, payload.FormatID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"superseded": count})
	}
}
