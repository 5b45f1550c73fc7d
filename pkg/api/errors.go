package api

import (
	"errors"
	"net/http"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/internal/httpserver"
)

// respondErr dispatches on the error kind (errors.Is against the sentinels
// in internal/errors) to pick a status code, matching spec.md §7's error
// handling table.
func respondErr(w http.ResponseWriter, err error) {
	var ierr *imerrors.Error
	if !errors.As(err, &ierr) {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch {
	case errors.Is(ierr, imerrors.ErrValidation), errors.Is(ierr, imerrors.ErrUnknownChallengeType), errors.Is(ierr, imerrors.ErrMissingCTD):
		httpserver.RespondError(w, http.StatusBadRequest, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrRateLimited):
		httpserver.RespondError(w, http.StatusTooManyRequests, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrRedisUnavailable):
		httpserver.RespondError(w, http.StatusServiceUnavailable, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrLockUnavailable):
		httpserver.RespondError(w, http.StatusConflict, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrStateTransition):
		httpserver.RespondError(w, http.StatusConflict, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrDeploymentFailure):
		httpserver.RespondError(w, http.StatusInternalServerError, ierr.Kind, ierr.Error())
	case errors.Is(ierr, imerrors.ErrTimeout):
		httpserver.RespondError(w, http.StatusGatewayTimeout, ierr.Kind, ierr.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, ierr.Kind, ierr.Error())
	}
}
