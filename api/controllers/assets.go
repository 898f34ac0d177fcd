package controllers

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compositor-backend/api/middleware"
	"github.com/angelmondragon/compositor-backend/api/responses"
	"github.com/angelmondragon/compositor-backend/api/validators"
	"github.com/angelmondragon/compositor-backend/internal/assets"
	"github.com/angelmondragon/compositor-backend/pkg/db/models"
	"github.com/angelmondragon/compositor-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
)

const maxAssetNameChars = 200

type assetIntakeRequest struct {
	Name                string         `json:"name" validate:"required,max=200"`
	Category            string         `json:"category" validate:"required,max=64"`
	RoleKey             *string        `json:"role_key" validate:"omitempty,rolekey"`
	Scope               string         `json:"scope" validate:"required,oneof=GLOBAL SHOW EPISODE global show episode"`
	ShowID              *string        `json:"show_id" validate:"omitempty,uuid"`
	EpisodeID           *string        `json:"episode_id" validate:"omitempty,uuid"`
	ContentHash         *string        `json:"content_hash"`
	StorageKeyRaw       string         `json:"storage_key_raw"`
	StorageKeyProcessed *string        `json:"storage_key_processed"`
	Content             string         `json:"content"`
	ContentType         string         `json:"content_type"`
	Metadata            map[string]any `json:"metadata"`
}

func (r assetIntakeRequest) toInput(actor string) (assets.IntakeInput, []byte, error) {
	scope, err := enums.ParseAssetScope(r.Scope)
	if err != nil {
		return assets.IntakeInput{}, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid scope")
	}
	showID, err := validators.ParseUUIDPtr(r.ShowID, "show_id")
	if err != nil {
		return assets.IntakeInput{}, nil, err
	}
	episodeID, err := validators.ParseUUIDPtr(r.EpisodeID, "episode_id")
	if err != nil {
		return assets.IntakeInput{}, nil, err
	}

	var content []byte
	if r.Content != "" {
		content, err = base64.StdEncoding.DecodeString(r.Content)
		if err != nil {
			return assets.IntakeInput{}, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "content must be base64").
				WithDetails(map[string]any{"field": "content"})
		}
	}
	if len(content) == 0 && strings.TrimSpace(r.StorageKeyRaw) == "" {
		return assets.IntakeInput{}, nil, pkgerrors.New(pkgerrors.CodeValidation, "either content or storage_key_raw is required")
	}

	return assets.IntakeInput{
		Name:                validators.SanitizeString(r.Name, maxAssetNameChars),
		Category:            strings.TrimSpace(r.Category),
		RoleKey:             r.RoleKey,
		Scope:               scope,
		ShowID:              showID,
		EpisodeID:           episodeID,
		ContentHash:         r.ContentHash,
		StorageKeyRaw:       strings.TrimSpace(r.StorageKeyRaw),
		StorageKeyProcessed: r.StorageKeyProcessed,
		Metadata:            r.Metadata,
		CreatedBy:           actor,
	}, content, nil
}

type assetProcessedRequest struct {
	ContentHash string `json:"content_hash" validate:"required"`
	StorageKey  string `json:"storage_key_processed" validate:"required"`
}

type assetResponse struct {
	ID                  uuid.UUID            `json:"id"`
	Name                string               `json:"name"`
	Category            string               `json:"category"`
	RoleKey             *string              `json:"role_key,omitempty"`
	Scope               enums.AssetScope     `json:"scope"`
	ShowID              *uuid.UUID           `json:"show_id,omitempty"`
	EpisodeID           *uuid.UUID           `json:"episode_id,omitempty"`
	ContentHash         *string              `json:"content_hash,omitempty"`
	StorageKeyRaw       string               `json:"storage_key_raw"`
	StorageKeyProcessed *string              `json:"storage_key_processed,omitempty"`
	ApprovalStatus      enums.ApprovalStatus `json:"approval_status"`
	ApprovedAt          *time.Time           `json:"approved_at,omitempty"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
	CreatedBy           string               `json:"created_by"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	Deleted             bool                 `json:"deleted"`
}

func assetResponseFromModel(m *models.Asset) assetResponse {
	return assetResponse{
		ID:                  m.ID,
		Name:                m.Name,
		Category:            m.Category,
		RoleKey:             m.RoleKey,
		Scope:               m.Scope,
		ShowID:              m.ShowID,
		EpisodeID:           m.EpisodeID,
		ContentHash:         m.ContentHash,
		StorageKeyRaw:       m.StorageKeyRaw,
		StorageKeyProcessed: m.StorageKeyProcessed,
		ApprovalStatus:      m.ApprovalStatus,
		ApprovedAt:          m.ApprovedAt,
		Metadata:            m.Metadata,
		CreatedBy:           m.CreatedBy,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		Deleted:             m.DeletedAt.Valid,
	}
}

type assetIntakeResponse struct {
	Asset        assetResponse `json:"asset"`
	Deduplicated bool          `json:"deduplicated"`
}

type candidateResponse struct {
	Asset assetResponse    `json:"asset"`
	Level enums.AssetScope `json:"level"`
}

// AssetIntake stores a new asset or returns the existing one with the same content.
func AssetIntake(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload assetIntakeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, content, err := payload.toInput(middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var result *assets.IntakeResult
		if len(content) > 0 {
			result, err = svc.IntakeContent(r.Context(), input, content, payload.ContentType)
		} else {
			result, err = svc.Intake(r.Context(), input)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Deduplicated {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, assetIntakeResponse{
			Asset:        assetResponseFromModel(result.Asset),
			Deduplicated: result.Deduplicated,
		})
	}
}

func AssetGet(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "assetId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, assetResponseFromModel(asset))
	}
}

func AssetApprove(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return assetApproval(svc.Approve, logg)
}

func AssetReject(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return assetApproval(svc.Reject, logg)
}

type approvalFunc func(ctx context.Context, id uuid.UUID, actor string) (*models.Asset, error)

func assetApproval(apply approvalFunc, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "assetId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := apply(r.Context(), id, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, assetResponseFromModel(asset))
	}
}

func AssetDelete(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "assetId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.SoftDelete(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "deleted": true})
	}
}

func AssetRestore(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "assetId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Restore(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, assetResponseFromModel(asset))
	}
}

// AssetProcessed records the processed derivative and its content hash.
func AssetProcessed(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.URLUUID(r, "assetId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload assetProcessedRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.RecordProcessed(r.Context(), id, payload.ContentHash, strings.TrimSpace(payload.StorageKey))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, assetResponseFromModel(asset))
	}
}

// AssetResolve returns the asset the scope chain picks for a role.
func AssetResolve(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, showID, roleKey, err := scopeQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Resolve(r.Context(), episodeID, showID, roleKey)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, assetResponseFromModel(asset))
	}
}

// AssetEligible lists every asset that could fill a role, nearest scope first.
func AssetEligible(svc assets.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, showID, roleKey, err := scopeQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		candidates, err := svc.ListEligible(r.Context(), episodeID, showID, roleKey)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]candidateResponse, 0, len(candidates))
		for i := range candidates {
			out = append(out, candidateResponse{
				Asset: assetResponseFromModel(&candidates[i].Asset),
				Level: candidates[i].Level,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

func scopeQuery(r *http.Request) (uuid.UUID, *uuid.UUID, string, error) {
	episodeID, err := validators.QueryUUID(r, "episode_id")
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	if episodeID == nil {
		return uuid.Nil, nil, "", pkgerrors.New(pkgerrors.CodeValidation, "episode_id is required").
			WithDetails(map[string]any{"field": "episode_id"})
	}
	showID, err := validators.QueryUUID(r, "show_id")
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	roleKey := strings.TrimSpace(r.URL.Query().Get("role_key"))
	if roleKey == "" {
		return uuid.Nil, nil, "", pkgerrors.New(pkgerrors.CodeValidation, "role_key is required").
			WithDetails(map[string]any{"field": "role_key"})
	}
	return *episodeID, showID, roleKey, nil
}
