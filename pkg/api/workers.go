package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/pkg/worker"
)

// handleListWorkers implements GET /workers.
func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.registry.ListWorkers(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workers": workers})
}

// handleGetWorker implements GET /workers/{workerID}.
func (a *API) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	wk, err := a.registry.GetWorker(r.Context(), workerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	history, err := a.registry.History(r.Context(), workerID)
	if err != nil {
		a.logger.Warn("failed to load worker history", "worker_id", workerID, "error", err)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"worker": wk, "history": history})
}

type initializeWorkerRequest struct {
	Kind string `json:"kind" validate:"required,oneof=deployment termination"`
}

// handleInitializeWorker implements POST /workers/initialize, registering a
// new worker of the requested kind.
func (a *API) handleInitializeWorker(w http.ResponseWriter, r *http.Request) {
	var req initializeWorkerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	wk, err := a.registry.RegisterWorker(r.Context(), worker.Kind(req.Kind), "")
	if err != nil {
		respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, wk)
}

// handleCleanupWorkers implements POST /workers/cleanup, sweeping workers
// whose heartbeat has gone stale past the configured timeout.
func (a *API) handleCleanupWorkers(w http.ResponseWriter, r *http.Request) {
	n, err := a.registry.CleanupStaleWorkers(r.Context(), a.heartbeatTimeout, func(ids []string) {
		a.logger.Warn("cleaning up stale workers", "worker_ids", ids)
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"cleaned_up": n})
}

// handleWorkerCommand returns a handler that queues cmd ("pause", "resume",
// "stop") for the named worker to pick up on its next heartbeat poll.
func (a *API) handleWorkerCommand(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID := chi.URLParam(r, "workerID")
		if err := a.registry.SendCommand(r.Context(), workerID, worker.Command(cmd)); err != nil {
			respondErr(w, err)
			return
		}
		httpserver.Respond(w, http.StatusAccepted, map[string]any{"success": true, "command": cmd})
	}
}
