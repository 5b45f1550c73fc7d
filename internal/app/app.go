// Package app wires every component of the Instance Manager Core together:
// the Redis client, distributed lock manager, both priority queues, the
// worker registry, the performance tracker, the CTD/CDF resolver, the
// Kubernetes adapter, the rate limiter, and the API façade, then runs
// either the "api" or "worker" mode described in config.Mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/edurange/instance-manager/internal/config"
	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/internal/telemetry"
	"github.com/edurange/instance-manager/pkg/api"
	"github.com/edurange/instance-manager/pkg/ctd"
	"github.com/edurange/instance-manager/pkg/dispatcher"
	"github.com/edurange/instance-manager/pkg/k8sadapter"
	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/perf"
	"github.com/edurange/instance-manager/pkg/queue"
	"github.com/edurange/instance-manager/pkg/ratelimit"
	"github.com/edurange/instance-manager/pkg/redisclient"
	"github.com/edurange/instance-manager/pkg/worker"
)

// deps holds every collaborator shared between the API façade and the
// dispatcher's challenge handlers.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	rc       *redisclient.Client
	locks    *lock.Manager
	deployQ  *queue.Queue
	termQ    *queue.Queue
	registry *worker.Registry
	tracker  *perf.Tracker
	ctds     *ctd.Cache
	k8s      *k8sadapter.Client // nil when no cluster is configured
	limiter  *ratelimit.Limiter
}

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts the configured mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting instance manager core", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	rc, err := redisclient.New(ctx, redisclient.Config{
		URL:                 cfg.RedisURL,
		MaxConnections:      cfg.RedisMaxConnections,
		HealthCheckInterval: time.Duration(cfg.RedisHealthCheckSecs) * time.Second,
		CacheTTL:            time.Duration(cfg.RedisCacheTTLSeconds * float64(time.Second)),
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	locks := lock.New(rc, lock.Config{
		ChallengeExpiry:   time.Duration(cfg.CriticalSectionTimeoutSecs) * time.Second,
		DeploymentExpiry:  time.Duration(cfg.DeploymentLockTimeoutSecs) * time.Second,
		TerminationExpiry: time.Duration(cfg.TerminationLockTimeoutSecs) * time.Second,
		QueueExpiry:       time.Duration(cfg.QueueLockTimeoutSecs) * time.Second,
		ResourceExpiry:    time.Duration(cfg.ResourceLockTimeoutSecs) * time.Second,
		OperationExpiry:   time.Duration(cfg.OperationLockTimeoutSecs) * time.Second,
		RetryAttempts:     cfg.LockRetryAttempts,
		RetryInterval:     time.Duration(cfg.LockRetryIntervalMillis) * time.Millisecond,
	}, logger)

	deployQ := queue.New(queue.KindDeployment, rc, locks, logger)
	termQ := queue.New(queue.KindTermination, rc, locks, logger)

	registry := worker.New(rc, locks, logger,
		time.Duration(cfg.WorkerExpirySeconds)*time.Second,
		time.Duration(cfg.WorkerHeartbeatTimeout)*time.Second,
	)

	tracker := perf.New(rc)

	ctds, err := ctd.NewCache(cfg.CTDDirectory)
	if err != nil {
		return fmt.Errorf("loading challenge type definitions: %w", err)
	}

	var k8s *k8sadapter.Client
	k8s, err = k8sadapter.New(cfg.KubeconfigPath, logger)
	if err != nil {
		logger.Warn("kubernetes adapter unavailable, pod/instance operations will fail", "error", err)
		k8s = nil
	}

	limiter := ratelimit.New(ratelimit.Config{
		Points:        cfg.RateLimitPoints,
		WindowSeconds: cfg.RateLimitWindowSecs,
		BlockSeconds:  cfg.RateLimitBlockSecs,
	}, rc)

	d := &deps{
		cfg: cfg, logger: logger, rc: rc, locks: locks,
		deployQ: deployQ, termQ: termQ, registry: registry,
		tracker: tracker, ctds: ctds, k8s: k8s, limiter: limiter,
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, d)
	case "worker":
		return runWorker(ctx, d)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, d *deps) error {
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(d.cfg, d.logger, d.rc, d.k8s, metricsReg)

	af := api.New(d.cfg, d.logger, d.deployQ, d.termQ, d.registry, d.tracker, d.ctds, d.k8s, d.limiter)
	af.Mount(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:         d.cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("api server listening", "addr", d.cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, d *deps) error {
	if d.cfg.EnableParallelWorkers {
		return runWorkerFleet(ctx, d)
	}
	return runSingleWorker(ctx, d)
}

func runSingleWorker(ctx context.Context, d *deps) error {
	depW, err := d.registry.RegisterWorker(ctx, worker.KindDeployment, "")
	if err != nil {
		return fmt.Errorf("registering deployment worker: %w", err)
	}
	termW, err := d.registry.RegisterWorker(ctx, worker.KindTermination, "")
	if err != nil {
		return fmt.Errorf("registering termination worker: %w", err)
	}

	dispatchCfg := dispatcher.Config{
		TaskTimeout: time.Duration(d.cfg.TaskTimeoutSeconds) * time.Second,
		MaxSleep:    500 * time.Millisecond,
	}

	deployWorker := dispatcher.New(dispatchCfg, d.deployQ, d.registry, d.tracker, newDeployHandler(d), depW.WorkerID, d.logger)
	termWorker := dispatcher.New(dispatchCfg, d.termQ, d.registry, d.tracker, newTerminateHandler(d), termW.WorkerID, d.logger)

	go heartbeatLoop(ctx, d.registry, depW.WorkerID, time.Duration(d.cfg.WorkerHeartbeatSecs)*time.Second, d.logger)
	go heartbeatLoop(ctx, d.registry, termW.WorkerID, time.Duration(d.cfg.WorkerHeartbeatSecs)*time.Second, d.logger)
	go staleWorkerSweep(ctx, d.registry, time.Duration(d.cfg.WorkerCheckSecs)*time.Second, time.Duration(d.cfg.WorkerHeartbeatTimeout)*time.Second, d.logger)

	go deployWorker.Run(ctx)
	termWorker.Run(ctx)
	return nil
}

// runWorkerFleet registers one deployment and one termination worker per
// the configured parallelism; ENABLE_PARALLEL_WORKERS only toggles whether
// additional fleet members are started elsewhere (e.g. via separate worker
// processes) — the in-process entrypoint always starts exactly one of each
// kind, matching spec.md §4.4's "each worker process registers itself".
func runWorkerFleet(ctx context.Context, d *deps) error {
	return runSingleWorker(ctx, d)
}

func heartbeatLoop(ctx context.Context, registry *worker.Registry, workerID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.UpdateHeartbeat(ctx, workerID); err != nil {
				logger.Warn("heartbeat update failed", "worker_id", workerID, "error", err)
			}
		}
	}
}

func staleWorkerSweep(ctx context.Context, registry *worker.Registry, interval, heartbeatTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := registry.CleanupStaleWorkers(ctx, heartbeatTimeout, func(ids []string) {
				logger.Warn("cleaning up stale workers", "worker_ids", ids)
			})
			if err != nil {
				logger.Warn("stale worker sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up stale workers", "count", n)
			}
		}
	}
}
