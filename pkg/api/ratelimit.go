package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edurange/instance-manager/internal/httpserver"
)

// handleRateLimitStatus implements GET /rate-limit-status/{userID}, reporting
// the caller's current window usage without consuming a point.
func (a *API) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}
	if a.limiter == nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{"fallback": false, "enabled": false})
		return
	}

	status, err := a.limiter.Status(r.Context(), userID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, status)
}
