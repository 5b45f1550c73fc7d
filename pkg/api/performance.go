package api

import (
	"net/http"

	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/pkg/perf"
)

// handlePerformanceMetrics implements GET /performance-metrics, reporting
// percentile statistics overall and broken down by phase and task type.
func (a *API) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	overall, err := a.tracker.Statistics(ctx, "perf:recent_deployments")
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	phases := []perf.Phase{
		perf.PhaseValidation, perf.PhasePreparation, perf.PhaseQueueWait,
		perf.PhaseK8sResourcesCreation, perf.PhaseWaitForRunning,
		perf.PhaseConfiguration, perf.PhaseNetworkSetup,
	}
	byPhase := make(map[perf.Phase]perf.Stats, len(phases))
	for _, p := range phases {
		stats, err := a.tracker.PhaseStatistics(ctx, p)
		if err != nil {
			a.logger.Warn("failed to compute phase statistics", "phase", p, "error", err)
			continue
		}
		byPhase[p] = stats
	}

	byType := map[string]perf.Stats{}
	for _, t := range []string{"deployment", "termination"} {
		stats, err := a.tracker.TypeStatistics(ctx, t)
		if err != nil {
			a.logger.Warn("failed to compute type statistics", "type", t, "error", err)
			continue
		}
		byType[t] = stats
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"overall": overall,
		"phases":  byPhase,
		"types":   byType,
	})
}

// handleRecentDeployments implements GET /recent-deployments?page=&page_size=.
func (a *API) handleRecentDeployments(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	records, total, err := a.tracker.RecentDeploymentsPage(r.Context(), int64(params.Offset), int64(params.PageSize))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(records, params, int(total)))
}
