// Package queue implements the priority queue (PQ): two independent,
// Redis-backed priority queues (one per Kind) with stalled-task recovery.
// Ordering is approximated by a single composite score so a Redis sorted
// set gives both priority and within-priority FIFO ordering in one index.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

// Kind names one of the two independent queues.
type Kind string

const (
	KindDeployment  Kind = "deployment"
	KindTermination Kind = "termination"
)

// Priority orders dispatch; lower numeric value runs earlier.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Status is the lifecycle tag stamped onto a Task's record.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRecovered   Status = "recovered"
	StatusTimeout     Status = "timeout"
	StatusDataMissing Status = "data_missing"
)

// scoreScale is the multiplier separating priority bands in the composite
// score, per spec.md §4.3: score = priority*10^9 + enqueue_time_seconds.
const scoreScale = 1_000_000_000

// Task is one unit of work in a queue: a deployment or a termination
// request, along with its lifecycle metadata. PQ exclusively owns Task
// records; every other component observes them read-only or through
// CompleteTask.
type Task struct {
	TaskID            string          `json:"task_id"`
	Kind              Kind            `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	Priority          Priority        `json:"priority"`
	Status            Status          `json:"status"`
	ChallengeID       string          `json:"challenge_id,omitempty"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	DequeuedAt        *time.Time      `json:"dequeued_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	OriginalStartTime *time.Time      `json:"original_start_time,omitempty"`
	PerfTaskID        string          `json:"perf_task_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot for /queue-status.
type Stats struct {
	Kind            Kind           `json:"kind"`
	Pending         int64          `json:"pending"`
	Processing      int64          `json:"processing"`
	PriorityCounts  map[string]int64 `json:"priority_counts"`
	TotalEnqueued   int64          `json:"total_enqueued"`
	TotalDequeued   int64          `json:"total_dequeued"`
	TotalCompleted  int64          `json:"total_completed"`
	TotalFailed     int64          `json:"total_failed"`
	TotalRecovered  int64          `json:"total_recovered"`
	TotalTimedOut   int64          `json:"total_timed_out"`
}

// Queue is one of the two priority queues (deployment or termination).
type Queue struct {
	kind   Kind
	rc     *redisclient.Client
	locks  *lock.Manager
	logger *slog.Logger
}

// New constructs the queue for one Kind.
func New(kind Kind, rc *redisclient.Client, locks *lock.Manager, logger *slog.Logger) *Queue {
	return &Queue{kind: kind, rc: rc, locks: locks, logger: logger}
}

func (q *Queue) pendingKey() string    { return fmt.Sprintf("challenge_%s_queue", q.kind) }
func (q *Queue) processingKey() string { return fmt.Sprintf("challenge_%s_processing", q.kind) }
func (q *Queue) metricsKey() string    { return fmt.Sprintf("challenge_%s_metrics", q.kind) }
func taskKey(taskID string) string     { return fmt.Sprintf("challenge_task:%s", taskID) }

func compositeScore(p Priority, enqueuedAt time.Time) float64 {
	// enqueue_time_seconds keeps sub-second precision so two tasks enqueued
	// within the same wall-clock second still order by true arrival rather
	// than falling back to Redis's lexicographic tie-break on member name.
	return float64(p)*scoreScale + float64(enqueuedAt.UnixNano())/1e9
}

// ChallengeIDFunc extracts a challenge_id from a raw payload, falling back
// to deployment_name when challenge_id is absent, per spec.md §9.
func ChallengeIDFunc(payload json.RawMessage) (string, bool) {
	var probe struct {
		ChallengeID    string `json:"challenge_id"`
		DeploymentName string `json:"deployment_name"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", false
	}
	if probe.ChallengeID != "" {
		return probe.ChallengeID, true
	}
	if probe.DeploymentName != "" {
		return probe.DeploymentName, true
	}
	return "", false
}

// Enqueue adds a task under a challenge-lock (or a queue-lock when no
// challenge_id resolves), generating a task_id if taskID is empty. Returns
// the task_id, or an error if the lock could not be acquired or the write
// failed.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, priority Priority, taskID string) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	challengeID, hasChallenge := ChallengeIDFunc(payload)

	do := func(ctx context.Context) (string, error) {
		now := time.Now()
		task := Task{
			TaskID:      taskID,
			Kind:        q.kind,
			Payload:     payload,
			Priority:    priority,
			Status:      StatusQueued,
			ChallengeID: challengeID,
			EnqueuedAt:  now,
		}
		blob, err := json.Marshal(task)
		if err != nil {
			return "", fmt.Errorf("marshaling task: %w", err)
		}

		score := compositeScore(priority, now)
		err = q.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Set(ctx, taskKey(taskID), blob, 0)
			pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: taskID})
			pipe.HIncrBy(ctx, q.metricsKey(), "total_enqueued", 1)
			pipe.HIncrBy(ctx, q.metricsKey(), fmt.Sprintf("enqueued_priority_%d", priority), 1)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("enqueuing task %s: %w", taskID, err)
		}
		return taskID, nil
	}

	if hasChallenge {
		return lock.WithChallengeLock(q.locks, func() (string, bool) { return challengeID, true }, "challenge", true, do)
	}
	return lock.WithQueueLock(q.locks, string(q.kind)+"_enqueue", true, do)
}

// Dequeue atomically claims the lowest-score pending task under the
// per-kind dequeue lock. Returns (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	return lock.WithQueueLock(q.locks, string(q.kind)+"_dequeue", false, func(ctx context.Context) (*Task, error) {
		results, err := q.rc.Raw().ZRangeWithScores(ctx, q.pendingKey(), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("reading pending set: %w", err)
		}
		if len(results) == 0 {
			return nil, nil
		}
		taskID := results[0].Member.(string)

		if err := q.rc.Raw().ZRem(ctx, q.pendingKey(), taskID).Err(); err != nil {
			return nil, fmt.Errorf("removing from pending: %w", err)
		}

		blob, err := q.rc.Raw().Get(ctx, taskKey(taskID)).Result()
		if err == redis.Nil {
			// Blob missing: a race with administrative clear. Report
			// data_missing and do not re-add to any set.
			q.logger.Warn("dequeued task blob missing", "task_id", taskID, "kind", q.kind)
			return &Task{TaskID: taskID, Kind: q.kind, Status: StatusDataMissing}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading task blob %s: %w", taskID, err)
		}

		var task Task
		if err := json.Unmarshal([]byte(blob), &task); err != nil {
			return nil, fmt.Errorf("decoding task blob %s: %w", taskID, err)
		}

		now := time.Now()
		task.Status = StatusProcessing
		task.DequeuedAt = &now

		newBlob, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("re-marshaling task: %w", err)
		}

		err = q.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Set(ctx, taskKey(taskID), newBlob, 0)
			pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(now.Unix()), Member: taskID})
			pipe.HIncrBy(ctx, q.metricsKey(), "total_dequeued", 1)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("recording dequeue of %s: %w", taskID, err)
		}
		return &task, nil
	})
}

// CompleteTask records a terminal status for a processing task, removing it
// from the processing set and updating completion counters.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, success bool, result json.RawMessage, taskErr string) error {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	return q.completeTaskAs(ctx, taskID, status, result, taskErr)
}

// CompleteTaskTimeout records a task as timed out: success=false, per
// spec.md §4.5, but with the distinguishing status "timeout" rather than
// "failed" so callers can treat it as indeterminate with respect to K8s
// side effects (spec.md §5).
func (q *Queue) CompleteTaskTimeout(ctx context.Context, taskID string) error {
	return q.completeTaskAs(ctx, taskID, StatusTimeout, nil, "task callback exceeded its timeout")
}

func (q *Queue) completeTaskAs(ctx context.Context, taskID string, status Status, result json.RawMessage, taskErr string) error {
	blob, err := q.rc.Raw().Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(blob), &task); err != nil {
		return fmt.Errorf("decoding task %s: %w", taskID, err)
	}

	now := time.Now()
	task.CompletedAt = &now
	task.Result = result
	task.Error = taskErr
	task.Status = status

	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", taskID, err)
	}

	counter := "total_completed"
	switch status {
	case StatusFailed:
		counter = "total_failed"
	case StatusTimeout:
		counter = "total_timed_out"
	}

	return q.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		pipe.Set(ctx, taskKey(taskID), newBlob, 0)
		pipe.ZRem(ctx, q.processingKey(), taskID)
		pipe.HIncrBy(ctx, q.metricsKey(), counter, 1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetPerfTaskID attaches a performance-tracker task id to an already
// enqueued task record, letting the API façade correlate PT phase timings
// with a PQ task after the fact.
func (q *Queue) SetPerfTaskID(ctx context.Context, taskID, perfTaskID string) error {
	blob, err := q.rc.Raw().Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(blob), &task); err != nil {
		return fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	task.PerfTaskID = perfTaskID
	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", taskID, err)
	}
	return q.rc.Raw().Set(ctx, taskKey(taskID), newBlob, 0).Err()
}

// GetTaskStatus loads a task's current record.
func (q *Queue) GetTaskStatus(ctx context.Context, taskID string) (*Task, error) {
	blob, err := q.rc.Raw().Get(ctx, taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(blob), &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &task, nil
}

// RecoverStalledTasks re-enqueues, at HIGH priority, any processing entry
// older than maxAge whose per-task lock can be acquired and whose
// processing-set membership still holds under that lock.
func (q *Queue) RecoverStalledTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	return lock.WithQueueLock(q.locks, string(q.kind)+"_recovery", true, func(ctx context.Context) (int, error) {
		cutoff := time.Now().Add(-maxAge)
		stale, err := q.rc.Raw().ZRangeByScoreWithScores(ctx, q.processingKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", cutoff.Unix()),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("scanning processing set: %w", err)
		}

		recovered := 0
		for _, z := range stale {
			taskID := z.Member.(string)
			if err := q.recoverOne(ctx, taskID); err != nil {
				q.logger.Warn("recovery of task failed", "task_id", taskID, "error", err)
				continue
			}
			recovered++
		}
		return recovered, nil
	})
}

func (q *Queue) recoverOne(ctx context.Context, taskID string) error {
	h, err := q.locks.LockOperation(ctx, "task_recovery:"+taskID, false)
	if err != nil {
		return err
	}
	if h == nil {
		return nil // another worker is already recovering this task
	}
	defer func() { _ = h.Release(ctx) }()

	stillProcessing, err := q.rc.Raw().ZScore(ctx, q.processingKey(), taskID).Result()
	if err == redis.Nil {
		return nil // already completed or recovered by someone else
	}
	if err != nil {
		return fmt.Errorf("checking processing membership: %w", err)
	}
	_ = stillProcessing

	blob, err := q.rc.Raw().Get(ctx, taskKey(taskID)).Result()
	if err == redis.Nil {
		// Blob swept away; just drop the stale processing entry.
		return q.rc.Raw().ZRem(ctx, q.processingKey(), taskID).Err()
	}
	if err != nil {
		return fmt.Errorf("loading task blob: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(blob), &task); err != nil {
		return fmt.Errorf("decoding task blob: %w", err)
	}

	now := time.Now()
	original := task.EnqueuedAt
	task.OriginalStartTime = &original
	task.Priority = PriorityHigh
	task.Status = StatusRecovered
	task.EnqueuedAt = now
	task.DequeuedAt = nil

	newBlob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling recovered task: %w", err)
	}

	score := compositeScore(PriorityHigh, now)
	return q.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		pipe.Set(ctx, taskKey(taskID), newBlob, 0)
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: taskID})
		pipe.ZRem(ctx, q.processingKey(), taskID)
		pipe.HIncrBy(ctx, q.metricsKey(), "total_recovered", 1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ClearQueue deletes every pending and processing task blob, both sets, and
// resets counters. Administrative operation, guarded by a queue-clear lock.
func (q *Queue) ClearQueue(ctx context.Context) error {
	_, err := lock.WithQueueLock(q.locks, string(q.kind)+"_clear", true, func(ctx context.Context) (struct{}, error) {
		pending, err := q.rc.Raw().ZRange(ctx, q.pendingKey(), 0, -1).Result()
		if err != nil {
			return struct{}{}, err
		}
		processing, err := q.rc.Raw().ZRange(ctx, q.processingKey(), 0, -1).Result()
		if err != nil {
			return struct{}{}, err
		}

		ids := append(pending, processing...)
		keys := make([]string, 0, len(ids)+2)
		for _, id := range ids {
			keys = append(keys, taskKey(id))
		}
		keys = append(keys, q.pendingKey(), q.processingKey())

		return struct{}{}, q.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.Del(ctx, q.metricsKey())
			_, err := pipe.Exec(ctx)
			return err
		})
	})
	return err
}

// GetQueueStats returns pending/processing counts, priority breakdowns, and
// cumulative metrics counters.
func (q *Queue) GetQueueStats(ctx context.Context) (Stats, error) {
	stats := Stats{Kind: q.kind, PriorityCounts: map[string]int64{}}

	pendingCount, err := q.rc.Raw().ZCard(ctx, q.pendingKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("counting pending: %w", err)
	}
	processingCount, err := q.rc.Raw().ZCard(ctx, q.processingKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("counting processing: %w", err)
	}
	stats.Pending = pendingCount
	stats.Processing = processingCount

	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		min := float64(p) * scoreScale
		max := min + scoreScale - 1
		count, err := q.rc.Raw().ZCount(ctx, q.pendingKey(), fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
		if err != nil {
			return stats, fmt.Errorf("counting priority %d: %w", p, err)
		}
		stats.PriorityCounts[priorityName(p)] = count
	}

	metrics, err := q.rc.Raw().HGetAll(ctx, q.metricsKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("reading metrics: %w", err)
	}
	stats.TotalEnqueued = metricInt(metrics, "total_enqueued")
	stats.TotalDequeued = metricInt(metrics, "total_dequeued")
	stats.TotalCompleted = metricInt(metrics, "total_completed")
	stats.TotalFailed = metricInt(metrics, "total_failed")
	stats.TotalRecovered = metricInt(metrics, "total_recovered")
	stats.TotalTimedOut = metricInt(metrics, "total_timed_out")

	return stats, nil
}

func priorityName(p Priority) string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

func metricInt(m map[string]string, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n
}
