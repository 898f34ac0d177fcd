package controllers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/api/middleware"
	"github.com/angelmondragon/compositor-backend/api/responses"
	"github.com/angelmondragon/compositor-backend/api/validators"
	"github.com/angelmondragon/compositor-backend/internal/compositions"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
)

// RenderRequester queues a render of a composition's current version.
type RenderRequester interface {
	Request(ctx context.Context, compositionID uuid.UUID, formatIDs []string, supersede bool, actor string) (*payloads.RenderRequestedEvent, error)
}

type compositionCreateRequest struct {
	EpisodeID  string         `json:"episode_id" validate:"required,uuid"`
	ShowID     *string        `json:"show_id" validate:"omitempty,uuid"`
	TemplateID string         `json:"template_id" validate:"required,uuid"`
	Config     map[string]any `json:"config"`
}

type roleAssignRequest struct {
	AssetID *string `json:"asset_id" validate:"omitempty,uuid"`
}

type configRequest struct {
	Config map[string]any `json:"config" validate:"required"`
}

type rollbackRequest struct {
	Version int `json:"version" validate:"required,gt=0"`
}

type renderRequest struct {
	Formats   []string `json:"formats"`
	Supersede bool     `json:"supersede"`
}

type compositionResponse struct {
	ID             uuid.UUID          `json:"id"`
	EpisodeID      uuid.UUID          `json:"episode_id"`
	ShowID         *uuid.UUID         `json:"show_id,omitempty"`
	TemplateID     uuid.UUID          `json:"template_id"`
	IsPrimary      bool               `json:"is_primary"`
	CurrentVersion int                `json:"current_version"`
	Config         map[string]any     `json:"config,omitempty"`
	RenderStatus   enums.RenderStatus `json:"render_status"`
	RenderError    *string            `json:"render_error,omitempty"`
	Roles          map[string]string  `json:"roles,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Deleted        bool               `json:"deleted"`
}

func compositionResponseFromModel(m *models.Composition, roles models.RoleAssignments) compositionResponse {
	resp := compositionResponse{
		ID:             m.ID,
		EpisodeID:      m.EpisodeID,
		ShowID:         m.ShowID,
		TemplateID:     m.TemplateID,
		IsPrimary:      m.IsPrimary,
		CurrentVersion: m.CurrentVersion,
		Config:         m.Config,
		RenderStatus:   m.RenderStatus,
		RenderError:    m.RenderError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Deleted:        m.DeletedAt.Valid,
	}
	if roles != nil {
		resp.Roles = roleMap(roles)
	}
	return resp
}

func detailResponse(d *compositions.Detail) compositionResponse {
	roles := d.Roles
	if roles == nil {
		roles = models.RoleAssignments{}
	}
	return compositionResponseFromModel(&d.Composition, roles)
}

type versionResponse struct {
	VersionNumber  int               `json:"version_number"`
	Roles          map[string]string `json:"roles"`
	Config         map[string]any    `json:"config,omitempty"`
	Actor          string            `json:"actor"`
	ChangeSummary  string            `json:"change_summary"`
	RolledBackFrom *int              `json:"rolled_back_from,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func versionResponseFromModel(v *models.CompositionVersion) versionResponse {
	return versionResponse{
		VersionNumber:  v.VersionNumber,
		Roles:          roleMap(v.Roles()),
		Config:         v.ConfigSnapshot,
		Actor:          v.Actor,
		ChangeSummary:  v.ChangeSummary,
		RolledBackFrom: v.RolledBackFrom,
		CreatedAt:      v.CreatedAt,
	}
}

func roleMap(roles models.RoleAssignments) map[string]string {
	out := make(map[string]string, len(roles))
	for role, assetID := range roles {
		out[role] = assetID.String()
	}
	return out
}

type renderAcceptedResponse struct {
	RequestID     uuid.UUID `json:"request_id"`
	CompositionID uuid.UUID `json:"composition_id"`
	VersionNumber int       `json:"version_number"`
	Formats       []string  `json:"formats"`
	Supersede     bool      `json:"supersede"`
}

func CompositionCreate(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload compositionCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		showID, err := validators.ParseUUIDPtr(payload.ShowID, "show_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.Create(r.Context(), compositions.CreateInput{
			EpisodeID:  uuid.MustParse(payload.EpisodeID),
			ShowID:     showID,
			TemplateID: uuid.MustParse(payload.TemplateID),
			Config:     payload.Config,
			Actor:      middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, detailResponse(detail))
	}
}

func CompositionGet(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailResponse(detail))
	}
}

func EpisodeCompositions(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, err := validators.URLUUID(r, "episodeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListByEpisode(r.Context(), episodeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]compositionResponse, 0, len(list))
		for i := range list {
			out = append(out, compositionResponseFromModel(&list[i], nil))
		}
		responses.WriteSuccess(w, out)
	}
}

func EpisodePrimary(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, err := validators.URLUUID(r, "episodeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		primary, err := svc.PrimaryForEpisode(r.Context(), episodeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, compositionResponseFromModel(primary, nil))
	}
}

// CompositionAssignRole fills one role. Without asset_id the role is resolved
// through the episode, show and global scopes.
func CompositionAssignRole(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		roleKey := strings.TrimSpace(chi.URLParam(r, "roleKey"))
		var payload roleAssignRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		assetID, err := validators.ParseUUIDPtr(payload.AssetID, "asset_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.AssignRole(r.Context(), compositions.AssignInput{
			CompositionID: id,
			RoleKey:       roleKey,
			AssetID:       assetID,
			Actor:         middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailResponse(detail))
	}
}

func CompositionSetConfig(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload configRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.SetConfig(r.Context(), id, payload.Config, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailResponse(detail))
	}
}

func CompositionSetPrimary(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		composition, err := svc.SetPrimary(r.Context(), id, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, compositionResponseFromModel(composition, nil))
	}
}

// CompositionRollback appends a new version copying an earlier snapshot.
func CompositionRollback(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload rollbackRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.Rollback(r.Context(), id, payload.Version, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailResponse(detail))
	}
}

func CompositionVersions(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		versions, err := svc.ListVersions(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]versionResponse, 0, len(versions))
		for i := range versions {
			out = append(out, versionResponseFromModel(&versions[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func CompositionVersion(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		number, err := validators.URLPositiveInt(r, "version")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		version, err := svc.GetVersion(r.Context(), id, number)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, versionResponseFromModel(version))
	}
}

// CompositionRenderPlan reports what a render of the current version would use.
func CompositionRenderPlan(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan, err := svc.PrepareRender(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, plan)
	}
}

// CompositionRender queues a render and answers 202 with the request id.
func CompositionRender(dispatcher RenderRequester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if dispatcher == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "render dispatch unavailable"))
			return
		}
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload renderRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		request, err := dispatcher.Request(r.Context(), id, payload.Formats, payload.Supersede, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		formatIDs := make([]string, 0, len(request.Formats))
		for _, f := range request.Formats {
			formatIDs = append(formatIDs, f.ID)
		}
		sort.Strings(formatIDs)
		responses.WriteSuccessStatus(w, http.StatusAccepted, renderAcceptedResponse{
			RequestID:     request.RequestID,
			CompositionID: request.CompositionID,
			VersionNumber: request.VersionNumber,
			Formats:       formatIDs,
			Supersede:     request.Supersede,
		})
	}
}

func CompositionDelete(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "deleted": true})
	}
}

func CompositionRestore(svc compositions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "compositionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		composition, err := svc.Restore(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, compositionResponseFromModel(composition, nil))
	}
}
