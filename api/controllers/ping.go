package controllers

import (
	"net/http"

	"github.com/angelmondragon/compositor-backend/api/middleware"
	"github.com/angelmondragon/compositor-backend/api/responses"
)

// Ping echoes the caller identity seen by the actor middleware.
func Ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{
			"status": "ok",
			"actor":  middleware.ActorFromContext(r.Context()),
		})
	}
}
