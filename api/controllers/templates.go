package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/api/responses"
	"github.com/angelmondragon/compositor-backend/api/validators"
	"github.com/angelmondragon/compositor-backend/internal/templates"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/pagination"
)

type templateCreateRequest struct {
	Name           string         `json:"name" validate:"required,max=200"`
	RequiredRoles  []string       `json:"required_roles" validate:"dive,rolekey"`
	OptionalRoles  []string       `json:"optional_roles" validate:"dive,rolekey"`
	LayoutByFormat map[string]any `json:"layout_by_format"`
}

type templateUpdateRequest struct {
	Name           *string        `json:"name" validate:"omitempty,max=200"`
	RequiredRoles  []string       `json:"required_roles" validate:"omitempty,dive,rolekey"`
	OptionalRoles  []string       `json:"optional_roles" validate:"omitempty,dive,rolekey"`
	LayoutByFormat map[string]any `json:"layout_by_format"`
}

type templateResponse struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	RequiredRoles  []string       `json:"required_roles"`
	OptionalRoles  []string       `json:"optional_roles"`
	LayoutByFormat map[string]any `json:"layout_by_format,omitempty"`
	SupersededBy   *uuid.UUID     `json:"superseded_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func templateResponseFromModel(m *models.Template) templateResponse {
	return templateResponse{
		ID:             m.ID,
		Name:           m.Name,
		RequiredRoles:  append([]string{}, m.RequiredRoles...),
		OptionalRoles:  append([]string{}, m.OptionalRoles...),
		LayoutByFormat: m.LayoutByFormat,
		SupersededBy:   m.SupersededBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

type templateUpdateResponse struct {
	Template   templateResponse `json:"template"`
	Superseded bool             `json:"superseded"`
	PreviousID *uuid.UUID       `json:"previous_id,omitempty"`
}

func TemplateCreate(svc templates.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload templateCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		created, err := svc.Create(r.Context(), templates.CreateInput{
			Name:           payload.Name,
			RequiredRoles:  payload.RequiredRoles,
			OptionalRoles:  payload.OptionalRoles,
			LayoutByFormat: payload.LayoutByFormat,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, templateResponseFromModel(created))
	}
}

func TemplateGet(svc templates.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "templateId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tpl, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, templateResponseFromModel(tpl))
	}
}

// TemplateList pages templates newest first. Superseded templates are hidden
// unless include_superseded=true.
func TemplateList(svc templates.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		includeSuperseded, err := validators.ParseQueryBool(r, "include_superseded")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.List(r.Context(), templates.ListParams{
			Params:            pagination.Params{Limit: limit, Cursor: r.URL.Query().Get("cursor")},
			IncludeSuperseded: includeSuperseded,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]templateResponse, 0, len(page.Items))
		for i := range page.Items {
			items = append(items, templateResponseFromModel(&page.Items[i]))
		}
		responses.WriteSuccess(w, pagination.Page[templateResponse]{Items: items, NextCursor: page.NextCursor})
	}
}

// TemplateUpdate edits a template. Role contract changes on a template in use
// produce a superseding template instead.
func TemplateUpdate(svc templates.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "templateId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload templateUpdateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Update(r.Context(), id, templates.UpdateInput{
			Name:           payload.Name,
			RequiredRoles:  payload.RequiredRoles,
			OptionalRoles:  payload.OptionalRoles,
			LayoutByFormat: payload.LayoutByFormat,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := templateUpdateResponse{
			Template:   templateResponseFromModel(result.Template),
			Superseded: result.Superseded,
		}
		if result.Superseded {
			prev := result.PreviousID
			resp.PreviousID = &prev
		}
		responses.WriteSuccess(w, resp)
	}
}
