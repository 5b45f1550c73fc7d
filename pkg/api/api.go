// Package api implements the API façade (AF): the HTTP operations in
// spec.md §6, wired to the priority queue, worker registry, performance
// tracker, CTD/CDF resolver, Kubernetes adapter, and rate limiter.
package api

import (
	"log/slog"
	"time"

	"github.com/edurange/instance-manager/internal/config"
	"github.com/edurange/instance-manager/pkg/ctd"
	"github.com/edurange/instance-manager/pkg/k8sadapter"
	"github.com/edurange/instance-manager/pkg/perf"
	"github.com/edurange/instance-manager/pkg/queue"
	"github.com/edurange/instance-manager/pkg/ratelimit"
	"github.com/edurange/instance-manager/pkg/worker"
)

// API holds every collaborator the HTTP handlers need. Constructed once in
// internal/app and mounted on a chi.Router.
type API struct {
	cfg      *config.Config
	logger   *slog.Logger
	deployQ  *queue.Queue
	termQ    *queue.Queue
	registry *worker.Registry
	tracker  *perf.Tracker
	ctds     *ctd.Cache
	k8s      *k8sadapter.Client // nil when no Kubernetes is configured
	limiter  *ratelimit.Limiter

	heartbeatTimeout time.Duration
}

// New constructs the API façade. k8s may be nil in deployments that only
// run the queue/worker surface without cluster access.
func New(cfg *config.Config, logger *slog.Logger, deployQ, termQ *queue.Queue, registry *worker.Registry, tracker *perf.Tracker, ctds *ctd.Cache, k8s *k8sadapter.Client, limiter *ratelimit.Limiter) *API {
	return &API{
		cfg:              cfg,
		logger:           logger,
		deployQ:          deployQ,
		termQ:            termQ,
		registry:         registry,
		tracker:          tracker,
		ctds:             ctds,
		k8s:              k8s,
		limiter:          limiter,
		heartbeatTimeout: time.Duration(cfg.WorkerHeartbeatTimeout) * time.Second,
	}
}
