// Package worker implements the worker registry, heartbeat monitor, and
// state machine (WR/HM/SM): per-worker Redis-backed lifecycle records, a
// background heartbeat loop, and a validated state-transition table with
// bounded history.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

// Kind is the queue kind a worker services.
type Kind string

const (
	KindDeployment  Kind = "deployment"
	KindTermination Kind = "termination"
)

// State is a worker's lifecycle status.
type State string

const (
	StateInitialized State = "initialized"
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateDeployment  State = "deployment"
	StateTermination State = "termination"
	StatePaused      State = "paused"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
)

// maxHistory caps the per-worker transition history, per spec.md §4.4.
const maxHistory = 50

// allowedTransitions is the state-machine transition table. A transition
// not present here is rejected and never persisted.
var allowedTransitions = map[State]map[State]bool{
	StateIdle:        {StateActive: true, StatePaused: true, StateStopped: true, StateFailed: true, StateDeployment: true, StateTermination: true},
	StateActive:      {StateIdle: true, StatePaused: true, StateStopped: true, StateFailed: true},
	StatePaused:      {StateIdle: true, StateActive: true, StateStopped: true, StateFailed: true},
	StateStopped:     {StateFailed: true},
	StateFailed:      {},
	StateDeployment:  {StateIdle: true, StateActive: true, StateFailed: true, StateStopped: true},
	StateTermination: {StateIdle: true, StateActive: true, StateFailed: true, StateStopped: true},
}

// TransitionRecord is one accepted state change.
type TransitionRecord struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Worker is the registry record for one worker process/goroutine.
type Worker struct {
	WorkerID      string         `json:"worker_id"`
	Kind          Kind           `json:"kind"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Status        State          `json:"status"`
	StartTime     time.Time      `json:"start_time"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	Processed     int64          `json:"processed"`
	Failed        int64          `json:"failed"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Command is an externally requested action polled from the worker's state
// blob by its heartbeat loop: "pause", "resume", or "stop".
type Command string

const (
	CommandNone   Command = ""
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
)

// Registry manages Worker records and their state machines in Redis.
type Registry struct {
	rc             *redisclient.Client
	locks          *lock.Manager
	logger         *slog.Logger
	workerExpiry   time.Duration
	heartbeatTTL   time.Duration

	mu       sync.Mutex
	handlers []TransitionHandler
}

// TransitionHandler is invoked after every accepted transition. Handler
// errors are logged, never rolled back, per spec.md §4.4.
type TransitionHandler func(ctx context.Context, workerID string, rec TransitionRecord)

// New constructs a Registry.
func New(rc *redisclient.Client, locks *lock.Manager, logger *slog.Logger, workerExpiry, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		rc:           rc,
		locks:        locks,
		logger:       logger,
		workerExpiry: workerExpiry,
		heartbeatTTL: 2 * heartbeatTimeout,
	}
}

// OnTransition registers a handler fired after every successful transition.
func (r *Registry) OnTransition(h TransitionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func registryKey(workerID string) string      { return fmt.Sprintf("worker:registry:%s", workerID) }
func stateKey(workerID string) string         { return fmt.Sprintf("worker:state:%s", workerID) }
func historyKey(workerID string) string        { return fmt.Sprintf("worker:state_history:%s", workerID) }
func heartbeatKey(workerID string) string      { return fmt.Sprintf("worker:heartbeat:%s", workerID) }
func commandKey(workerID string) string        { return fmt.Sprintf("worker:command:%s", workerID) }
const workerIDsKey = "worker:ids"

// RegisterWorker creates a Worker record, generating its id if absent, in
// the initialized state.
func (r *Registry) RegisterWorker(ctx context.Context, kind Kind, workerID string) (*Worker, error) {
	if workerID == "" {
		workerID = generateWorkerID(kind)
	}

	h, err := r.locks.Acquire(ctx, lock.CategoryWorker, workerID, true)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, imerrors.Wrapf(imerrors.ErrLockUnavailable, "registering worker %s", workerID)
	}
	defer func() { _ = h.Release(ctx) }()

	host, _ := os.Hostname()
	w := &Worker{
		WorkerID:  workerID,
		Kind:      kind,
		Hostname:  host,
		PID:       os.Getpid(),
		Status:    StateInitialized,
		StartTime: time.Now(),
		Metadata:  map[string]any{},
	}

	blob, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling worker: %w", err)
	}

	err = r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		pipe.Set(ctx, registryKey(workerID), blob, r.workerExpiry)
		pipe.SAdd(ctx, workerIDsKey, workerID)
		pipe.Set(ctx, stateKey(workerID), string(StateInitialized), 0)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registering worker %s: %w", workerID, err)
	}
	return w, nil
}

func generateWorkerID(kind Kind) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d-%06x-%d", kind, host, os.Getpid(), rand.Int31(), time.Now().Unix())
}

// GetWorker loads a worker's registry record.
func (r *Registry) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	blob, err := r.rc.Raw().Get(ctx, registryKey(workerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading worker %s: %w", workerID, err)
	}
	var w Worker
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return nil, fmt.Errorf("decoding worker %s: %w", workerID, err)
	}
	return &w, nil
}

// ListWorkers returns every registered worker.
func (r *Registry) ListWorkers(ctx context.Context) ([]*Worker, error) {
	ids, err := r.rc.Raw().SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing worker ids: %w", err)
	}
	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWorker(ctx, id)
		if err != nil || w == nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// withWorkerLock runs fn under the per-worker mutation lock, per spec.md
// §4.4 ("register_worker, update_worker, ... all acquire a per-worker lock
// before mutation").
func (r *Registry) withWorkerLock(ctx context.Context, workerID string, fn func(ctx context.Context) error) error {
	h, err := r.locks.Acquire(ctx, lock.CategoryWorker, workerID, true)
	if err != nil {
		return err
	}
	if h == nil {
		return imerrors.Wrapf(imerrors.ErrLockUnavailable, "worker %s is locked", workerID)
	}
	defer func() { _ = h.Release(ctx) }()
	return fn(ctx)
}

// UpdateWorker applies mutate to the worker record under its lock.
func (r *Registry) UpdateWorker(ctx context.Context, workerID string, mutate func(w *Worker)) error {
	return r.withWorkerLock(ctx, workerID, func(ctx context.Context) error {
		w, err := r.GetWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("worker %s not found", workerID)
		}
		mutate(w)
		blob, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshaling worker: %w", err)
		}
		return r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			return rdb.Set(ctx, registryKey(workerID), blob, r.workerExpiry).Err()
		})
	})
}

// UpdateHeartbeat writes the heartbeat blob and refreshes the registry's
// last-heartbeat timestamp.
func (r *Registry) UpdateHeartbeat(ctx context.Context, workerID string) error {
	now := time.Now()
	blob, _ := json.Marshal(map[string]any{"worker_id": workerID, "timestamp": now})

	if err := r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, heartbeatKey(workerID), blob, r.heartbeatTTL).Err()
	}); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}

	return r.UpdateWorker(ctx, workerID, func(w *Worker) {
		w.LastHeartbeat = &now
	})
}

// PollCommand reads and clears any pending external command for workerID.
func (r *Registry) PollCommand(ctx context.Context, workerID string) (Command, error) {
	cmd, err := r.rc.Raw().GetDel(ctx, commandKey(workerID)).Result()
	if err == redis.Nil {
		return CommandNone, nil
	}
	if err != nil {
		return CommandNone, fmt.Errorf("polling command: %w", err)
	}
	return Command(cmd), nil
}

// SendCommand queues an external command (pause/resume/stop) for a worker.
func (r *Registry) SendCommand(ctx context.Context, workerID string, cmd Command) error {
	return r.rc.Raw().Set(ctx, commandKey(workerID), string(cmd), time.Hour).Err()
}

// DeregisterWorker removes a worker's registry entry, state, and history.
func (r *Registry) DeregisterWorker(ctx context.Context, workerID string) error {
	return r.withWorkerLock(ctx, workerID, func(ctx context.Context) error {
		return r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Del(ctx, registryKey(workerID), stateKey(workerID), historyKey(workerID), heartbeatKey(workerID))
			pipe.SRem(ctx, workerIDsKey, workerID)
			_, err := pipe.Exec(ctx)
			return err
		})
	})
}

// Transition validates and applies a state change, appending a history
// record and firing registered handlers. Disallowed transitions return
// ErrStateTransition and are not persisted.
func (r *Registry) Transition(ctx context.Context, workerID string, to State, metadata map[string]any) error {
	return r.withWorkerLock(ctx, workerID, func(ctx context.Context) error {
		current, err := r.rc.Raw().Get(ctx, stateKey(workerID)).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("reading current state: %w", err)
		}
		from := State(current)
		if from == "" {
			from = StateInitialized
		}

		if from != StateInitialized && !allowedTransitions[from][to] {
			return imerrors.Wrapf(imerrors.ErrStateTransition, "%s -> %s is not allowed", from, to)
		}

		rec := TransitionRecord{From: from, To: to, Timestamp: time.Now(), Metadata: metadata}
		recBlob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling transition record: %w", err)
		}

		if err := r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Set(ctx, stateKey(workerID), string(to), 0)
			pipe.RPush(ctx, historyKey(workerID), recBlob)
			pipe.LTrim(ctx, historyKey(workerID), -maxHistory, -1)
			_, err := pipe.Exec(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("persisting transition: %w", err)
		}

		w, err := r.GetWorker(ctx, workerID)
		if err == nil && w != nil {
			w.Status = to
			blob, _ := json.Marshal(w)
			_ = r.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
				return rdb.Set(ctx, registryKey(workerID), blob, r.workerExpiry).Err()
			})
		}

		r.mu.Lock()
		handlers := append([]TransitionHandler(nil), r.handlers...)
		r.mu.Unlock()
		for _, handler := range handlers {
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.logger.Error("transition handler panicked", "worker_id", workerID, "panic", p)
					}
				}()
				handler(ctx, workerID, rec)
			}()
		}

		return nil
	})
}

// History returns the bounded transition history for a worker, oldest first.
func (r *Registry) History(ctx context.Context, workerID string) ([]TransitionRecord, error) {
	blobs, err := r.rc.Raw().LRange(ctx, historyKey(workerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	history := make([]TransitionRecord, 0, len(blobs))
	for _, blob := range blobs {
		var rec TransitionRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			continue
		}
		history = append(history, rec)
	}
	return history, nil
}

// DetectStaleWorkers returns workers whose last heartbeat (or start time,
// if none yet) is older than heartbeatTimeout.
func (r *Registry) DetectStaleWorkers(ctx context.Context, heartbeatTimeout time.Duration) ([]*Worker, error) {
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	stale := make([]*Worker, 0)
	for _, w := range workers {
		reference := w.StartTime
		if w.LastHeartbeat != nil {
			reference = *w.LastHeartbeat
		}
		if now.Sub(reference) > heartbeatTimeout {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// CleanupStaleWorkers transitions every stale worker to failed, then
// deregisters it. onStale, if non-nil, receives the stale ids before
// cleanup begins.
func (r *Registry) CleanupStaleWorkers(ctx context.Context, heartbeatTimeout time.Duration, onStale func(ids []string)) (int, error) {
	stale, err := r.DetectStaleWorkers(ctx, heartbeatTimeout)
	if err != nil {
		return 0, err
	}
	if onStale != nil {
		ids := make([]string, len(stale))
		for i, w := range stale {
			ids[i] = w.WorkerID
		}
		onStale(ids)
	}

	cleaned := 0
	for _, w := range stale {
		if err := r.Transition(ctx, w.WorkerID, StateFailed, map[string]any{"reason": "stale"}); err != nil {
			r.logger.Warn("failed to transition stale worker to failed", "worker_id", w.WorkerID, "error", err)
		}
		if err := r.DeregisterWorker(ctx, w.WorkerID); err != nil {
			r.logger.Warn("failed to deregister stale worker", "worker_id", w.WorkerID, "error", err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
