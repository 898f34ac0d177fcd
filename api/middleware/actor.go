package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/compositor-backend/api/responses"
	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
)

const (
	actorHeader   = "X-Actor"
	maxActorChars = 128
)

// Actor requires the X-Actor header on mutating requests and records it for
// version history and outbox events. Reads fall back to "anonymous".
func Actor(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(actorHeader))
			if len(actor) > maxActorChars {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "actor header too long").
					WithDetails(map[string]any{"max": maxActorChars}))
				return
			}
			if actor == "" {
				if isMutation(r.Method) {
					responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "actor header required").
						WithDetails(map[string]any{"header": actorHeader}))
					return
				}
				actor = "anonymous"
			}

			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				ctx = logg.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
