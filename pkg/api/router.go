package api

import "github.com/go-chi/chi/v5"

// Mount registers every AF endpoint from spec.md §6 onto r.
func (a *API) Mount(r chi.Router) {
	r.Post("/start-challenge", a.handleStartChallenge)
	r.Post("/end-challenge", a.handleEndChallenge)
	r.Get("/task-status/{taskID}", a.handleTaskStatus)
	r.Get("/queue-status", a.handleQueueStatus)
	r.Get("/list-challenge-pods", a.handleListChallengePods)
	r.Get("/get-pod-status", a.handleGetPodStatus)
	r.Post("/get-secret", a.handleGetSecret)
	r.Get("/schema", a.handleSchema)
	r.Get("/challenge-types", a.handleChallengeTypes)
	r.Post("/upload-ctd", a.handleUploadCTD)
	r.Delete("/upload-ctd/{typeID}", a.handleDeleteCTD)

	r.Get("/workers", a.handleListWorkers)
	r.Get("/workers/{workerID}", a.handleGetWorker)
	r.Post("/workers/initialize", a.handleInitializeWorker)
	r.Post("/workers/cleanup", a.handleCleanupWorkers)
	r.Post("/workers/{workerID}/pause", a.handleWorkerCommand("pause"))
	r.Post("/workers/{workerID}/resume", a.handleWorkerCommand("resume"))
	r.Post("/workers/{workerID}/stop", a.handleWorkerCommand("stop"))

	r.Get("/performance-metrics", a.handlePerformanceMetrics)
	r.Get("/recent-deployments", a.handleRecentDeployments)
	r.Get("/rate-limit-status/{userID}", a.handleRateLimitStatus)
}
