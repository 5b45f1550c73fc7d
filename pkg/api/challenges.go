package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/pkg/ctd"
	"github.com/edurange/instance-manager/pkg/queue"
)

type startChallengeRequest struct {
	UserID         string          `json:"user_id" validate:"required,no_shell_meta"`
	CDFContent     json.RawMessage `json:"cdf_content" validate:"required"`
	CompetitionID  string          `json:"competition_id" validate:"required,no_shell_meta"`
	DeploymentName string          `json:"deployment_name" validate:"required,instance_name"`
	UserRole       string          `json:"user_role,omitempty" validate:"omitempty,oneof=attacker defender"`
}

type queuedTaskResponse struct {
	Success       bool   `json:"success"`
	Queued        bool   `json:"queued"`
	TaskID        string `json:"task_id"`
	QueuePosition int64  `json:"queue_position"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
}

// handleStartChallenge implements POST /start-challenge.
func (a *API) handleStartChallenge(w http.ResponseWriter, r *http.Request) {
	var req startChallengeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	var cdf ctd.CDF
	if err := json.Unmarshal(req.CDFContent, &cdf); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "cdf_content is not valid JSON")
		return
	}
	if errs := httpserver.Validate(cdf); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}
	if _, err := ctd.ValidateChallengeType(cdf.Metadata.ChallengeType, a.ctds.All()); err != nil {
		respondErr(w, err)
		return
	}

	if a.limiter != nil {
		if err := a.limiter.Consume(ctx, req.UserID); err != nil {
			respondErr(w, err)
			return
		}
	}

	payload, err := json.Marshal(map[string]any{
		"challenge_id":    req.DeploymentName,
		"user_id":         req.UserID,
		"cdf_content":     req.CDFContent,
		"competition_id":  req.CompetitionID,
		"deployment_name": req.DeploymentName,
		"user_role":       req.UserRole,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "encoding task payload")
		return
	}

	taskID := uuid.NewString()
	perfTaskID, perfErr := a.tracker.StartTask(ctx, "deployment")
	if perfErr != nil {
		a.logger.Warn("failed to start performance record", "error", perfErr)
	}

	if _, err := a.deployQ.Enqueue(ctx, payload, queue.PriorityNormal, taskID); err != nil {
		respondErr(w, err)
		return
	}
	if perfErr == nil {
		if err := a.deployQ.SetPerfTaskID(ctx, taskID, perfTaskID); err != nil {
			a.logger.Warn("failed to attach perf task id", "task_id", taskID, "error", err)
		}
	}

	stats, err := a.deployQ.GetQueueStats(ctx)
	if err != nil {
		a.logger.Warn("failed to read queue stats for queue_position", "error", err)
	}

	httpserver.Respond(w, http.StatusAccepted, queuedTaskResponse{
		Success:       true,
		Queued:        true,
		TaskID:        taskID,
		QueuePosition: stats.Pending,
		Priority:      "normal",
		Status:        string(queue.StatusQueued),
	})
}

type endChallengeRequest struct {
	DeploymentName string `json:"deployment_name" validate:"required,instance_name"`
	Namespace      string `json:"namespace,omitempty" validate:"omitempty,dns_label"`
	UserID         string `json:"user_id,omitempty" validate:"omitempty,no_shell_meta"`
	UserRole       string `json:"user_role,omitempty" validate:"omitempty,oneof=attacker defender"`
}

type endChallengeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
}

// handleEndChallenge implements POST /end-challenge.
func (a *API) handleEndChallenge(w http.ResponseWriter, r *http.Request) {
	var req endChallengeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	payload, err := json.Marshal(map[string]any{
		"challenge_id":    req.DeploymentName,
		"deployment_name": req.DeploymentName,
		"namespace":       req.Namespace,
		"user_id":         req.UserID,
		"user_role":       req.UserRole,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "encoding task payload")
		return
	}

	taskID := uuid.NewString()
	perfTaskID, perfErr := a.tracker.StartTask(ctx, "termination")
	if perfErr != nil {
		a.logger.Warn("failed to start performance record", "error", perfErr)
	}

	if _, err := a.termQ.Enqueue(ctx, payload, queue.PriorityNormal, taskID); err != nil {
		respondErr(w, err)
		return
	}
	if perfErr == nil {
		if err := a.termQ.SetPerfTaskID(ctx, taskID, perfTaskID); err != nil {
			a.logger.Warn("failed to attach perf task id", "task_id", taskID, "error", err)
		}
	}

	httpserver.Respond(w, http.StatusAccepted, endChallengeResponse{
		Success: true,
		Message: "termination queued",
		TaskID:  taskID,
		Status:  string(queue.StatusQueued),
	})
}

// handleTaskStatus implements GET /task-status/<task_id>. Task ids share a
// single Redis keyspace regardless of queue kind, so either queue handle
// resolves the same record.
func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "task_id is required")
		return
	}

	task, err := a.deployQ.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if task == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no task with that id")
		return
	}
	httpserver.Respond(w, http.StatusOK, task)
}

type queueStatusResponse struct {
	Queued         int64            `json:"queued"`
	Processing     int64            `json:"processing"`
	PriorityCounts map[string]int64 `json:"priority_counts"`
	Metrics        map[string]int64 `json:"metrics"`
	WorkerActive   int              `json:"worker_active"`
	Deployment     queue.Stats      `json:"deployment"`
	Termination    queue.Stats      `json:"termination"`
}

// handleQueueStatus implements GET /queue-status, aggregating both
// independent queue kinds per spec.md §4.3.
func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depStats, err := a.deployQ.GetQueueStats(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	termStats, err := a.termQ.GetQueueStats(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	workers, err := a.registry.ListWorkers(ctx)
	if err != nil {
		a.logger.Warn("failed to list workers for queue-status", "error", err)
	}
	active := 0
	for _, wk := range workers {
		if wk.Status != "stopped" && wk.Status != "failed" {
			active++
		}
	}

	priorityCounts := map[string]int64{}
	for k, v := range depStats.PriorityCounts {
		priorityCounts[k] += v
	}
	for k, v := range termStats.PriorityCounts {
		priorityCounts[k] += v
	}

	httpserver.Respond(w, http.StatusOK, queueStatusResponse{
		Queued:         depStats.Pending + termStats.Pending,
		Processing:     depStats.Processing + termStats.Processing,
		PriorityCounts: priorityCounts,
		Metrics: map[string]int64{
			"total_enqueued":  depStats.TotalEnqueued + termStats.TotalEnqueued,
			"total_dequeued":  depStats.TotalDequeued + termStats.TotalDequeued,
			"total_completed": depStats.TotalCompleted + termStats.TotalCompleted,
			"total_failed":    depStats.TotalFailed + termStats.TotalFailed,
			"total_recovered": depStats.TotalRecovered + termStats.TotalRecovered,
			"total_timed_out": depStats.TotalTimedOut + termStats.TotalTimedOut,
		},
		WorkerActive: active,
		Deployment:   depStats,
		Termination:  termStats,
	})
}
