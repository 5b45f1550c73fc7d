// Package dispatcher implements the task dispatcher (TD): the worker loop
// that dequeues a task under the appropriate lock, runs the registered
// callback with a bounded wait, and advances the state machine and
// performance tracker.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/edurange/instance-manager/pkg/perf"
	"github.com/edurange/instance-manager/pkg/queue"
	"github.com/edurange/instance-manager/pkg/worker"
)

// maxEmptyPollsBeforeBackoff is N_empty from spec.md §4.5.
const maxEmptyPollsBeforeBackoff = 5

// defaultMaxSleep is the adaptive-backoff ceiling, per spec.md §4.5.
const defaultMaxSleep = 500 * time.Millisecond

// ChallengeHandler runs one task's domain logic (deploy or terminate) and
// returns an arbitrary JSON result. Implementations live in internal/app,
// wired to pkg/ctd and pkg/k8sadapter. The Red-Blue variant (spec.md §4.7a)
// is a ChallengeHandler that wraps a base handler.
type ChallengeHandler func(ctx context.Context, task *queue.Task) (json.RawMessage, error)

// Config controls the dispatcher's polling and timeout behavior.
type Config struct {
	TaskTimeout time.Duration
	MaxSleep    time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{TaskTimeout: 600 * time.Second, MaxSleep: defaultMaxSleep}
}

// Worker runs one dispatcher loop against one Queue, bound to one registry
// Worker record.
type Worker struct {
	cfg      Config
	q        *queue.Queue
	registry *worker.Registry
	tracker  *perf.Tracker
	handler  ChallengeHandler
	workerID string
	logger   *slog.Logger

	paused bool
}

// New constructs a dispatcher Worker.
func New(cfg Config, q *queue.Queue, registry *worker.Registry, tracker *perf.Tracker, handler ChallengeHandler, workerID string, logger *slog.Logger) *Worker {
	return &Worker{cfg: cfg, q: q, registry: registry, tracker: tracker, handler: handler, workerID: workerID, logger: logger}
}

// Run executes the worker loop until ctx is cancelled. Per spec.md §4.5: if
// paused, sleep and retry; else dequeue. On empty queue, adaptive backoff up
// to cfg.MaxSleep after maxEmptyPollsBeforeBackoff consecutive empty polls.
func (w *Worker) Run(ctx context.Context) {
	emptyPolls := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := w.registry.PollCommand(ctx, w.workerID)
		if err != nil {
			w.logger.Warn("polling worker command failed", "worker_id", w.workerID, "error", err)
		}
		switch cmd {
		case worker.CommandPause:
			w.paused = true
			_ = w.registry.Transition(ctx, w.workerID, worker.StatePaused, nil)
		case worker.CommandResume:
			w.paused = false
			_ = w.registry.Transition(ctx, w.workerID, worker.StateIdle, nil)
		case worker.CommandStop:
			_ = w.registry.Transition(ctx, w.workerID, worker.StateStopped, nil)
			return
		}

		if w.paused {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		task, err := w.q.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "worker_id", w.workerID, "error", err)
			time.Sleep(w.backoff(&emptyPolls))
			continue
		}
		if task == nil {
			time.Sleep(w.backoff(&emptyPolls))
			continue
		}
		emptyPolls = 0

		w.processTask(ctx, task)
	}
}

func (w *Worker) backoff(emptyPolls *int) time.Duration {
	*emptyPolls++
	if *emptyPolls <= maxEmptyPollsBeforeBackoff {
		return 10 * time.Millisecond
	}
	sleep := time.Duration(*emptyPolls-maxEmptyPollsBeforeBackoff) * 50 * time.Millisecond
	if sleep > w.cfg.MaxSleep {
		sleep = w.cfg.MaxSleep
	}
	return sleep
}

func (w *Worker) processTask(ctx context.Context, task *queue.Task) {
	if task.Status == queue.StatusDataMissing {
		return
	}

	if err := w.registry.UpdateWorker(ctx, w.workerID, func(rec *worker.Worker) {
		rec.CurrentTaskID = task.TaskID
	}); err != nil {
		w.logger.Warn("failed to record current task", "worker_id", w.workerID, "task_id", task.TaskID, "error", err)
	}

	targetState := worker.StateDeployment
	if task.Kind == queue.KindTermination {
		targetState = worker.StateTermination
	}
	if err := w.registry.Transition(ctx, w.workerID, targetState, map[string]any{"task_id": task.TaskID}); err != nil {
		w.logger.Warn("state transition rejected", "worker_id", w.workerID, "to", targetState, "error", err)
	}

	success, result, timedOut := w.runWithTimeout(ctx, task)

	var completeErr error
	switch {
	case timedOut:
		completeErr = w.q.CompleteTaskTimeout(ctx, task.TaskID)
	case !success:
		completeErr = w.q.CompleteTask(ctx, task.TaskID, false, result, "callback returned failure")
	default:
		completeErr = w.q.CompleteTask(ctx, task.TaskID, true, result, "")
	}
	if completeErr != nil {
		w.logger.Error("failed to record task completion", "task_id", task.TaskID, "error", completeErr)
	}

	if task.PerfTaskID != "" {
		if err := w.tracker.Complete(ctx, task.PerfTaskID, success); err != nil {
			w.logger.Warn("failed to complete performance record", "perf_task_id", task.PerfTaskID, "error", err)
		}
	}

	if err := w.registry.UpdateWorker(ctx, w.workerID, func(rec *worker.Worker) {
		rec.CurrentTaskID = ""
		if success {
			rec.Processed++
		} else {
			rec.Failed++
		}
	}); err != nil {
		w.logger.Warn("failed to clear current task", "worker_id", w.workerID, "error", err)
	}

	if err := w.registry.Transition(ctx, w.workerID, worker.StateIdle, nil); err != nil {
		w.logger.Warn("failed to return worker to idle", "worker_id", w.workerID, "error", err)
	}
}

// runWithTimeout runs the registered handler for task.Kind in a bounded
// wait. If the timeout elapses, the spawned goroutine is deliberately
// abandoned per spec.md §5 ("Tasks cannot be cancelled mid-callback") —
// there is no safe way to kill it, so the worker logs and moves on.
func (w *Worker) runWithTimeout(ctx context.Context, task *queue.Task) (success bool, result json.RawMessage, timedOut bool) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := w.handler(ctx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			w.logger.Warn("task callback failed", "task_id", task.TaskID, "error", o.err)
			return false, nil, false
		}
		return true, o.result, false
	case <-time.After(w.cfg.TaskTimeout):
		w.logger.Error("task callback timed out, abandoning goroutine", "task_id", task.TaskID, "timeout", w.cfg.TaskTimeout)
		return false, nil, true
	}
}
