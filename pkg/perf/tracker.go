// Package perf implements the performance tracker (PT): per-task phase
// timing, a recent-deployments feed capped at 1000 entries, and aggregate
// duration statistics (min/max/mean/median/p95/p99) over Redis sorted sets.
package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edurange/instance-manager/pkg/redisclient"
)

const (
	recentDeploymentsCap = 1000
	phaseCap             = 1000
)

// Phase names a tracked lifecycle step, per spec.md §3.
type Phase string

const (
	PhaseValidation          Phase = "validation"
	PhasePreparation         Phase = "preparation"
	PhaseQueueWait           Phase = "queue_wait"
	PhaseK8sResourcesCreation Phase = "k8s_resources_creation"
	PhaseWaitForRunning      Phase = "wait_for_running"
	PhaseConfiguration       Phase = "configuration"
	PhaseNetworkSetup        Phase = "network_setup"
)

// PhaseRecord is one phase's observed timing.
type PhaseRecord struct {
	Start    time.Time     `json:"start"`
	End      *time.Time    `json:"end,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Record is a per-task performance tracker: phase timings, tags, and the
// overall start/end/success state.
type Record struct {
	PerfTaskID string                 `json:"perf_task_id"`
	TaskType   string                 `json:"task_type"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Phases     map[Phase]*PhaseRecord `json:"phases"`
	Tags       map[string]string      `json:"tags"`
	Success    *bool                  `json:"success,omitempty"`
}

// Stats is an aggregate statistical summary over a sorted set of durations.
type Stats struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Tracker manages performance Records in Redis.
type Tracker struct {
	rc *redisclient.Client
}

// New constructs a Tracker.
func New(rc *redisclient.Client) *Tracker {
	return &Tracker{rc: rc}
}

func recordKey(perfTaskID string) string { return fmt.Sprintf("perf:task:%s", perfTaskID) }
func recentKey() string                 { return "perf:recent_deployments" }
func phaseKey(p Phase) string            { return fmt.Sprintf("perf:phase:%s", p) }
func typeKey(taskType string) string     { return fmt.Sprintf("perf:type:%s", taskType) }
func countersKey() string                { return "perf:counters" }

// StartTask creates a new Record and persists it, returning its id.
func (t *Tracker) StartTask(ctx context.Context, taskType string) (string, error) {
	perfTaskID := uuid.NewString()
	rec := Record{
		PerfTaskID: perfTaskID,
		TaskType:   taskType,
		StartTime:  time.Now(),
		Phases:     map[Phase]*PhaseRecord{},
		Tags:       map[string]string{},
	}
	return perfTaskID, t.save(ctx, rec)
}

func (t *Tracker) load(ctx context.Context, perfTaskID string) (Record, error) {
	blob, err := t.rc.Raw().Get(ctx, recordKey(perfTaskID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("loading perf record %s: %w", perfTaskID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return Record{}, fmt.Errorf("decoding perf record %s: %w", perfTaskID, err)
	}
	return rec, nil
}

func (t *Tracker) save(ctx context.Context, rec Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling perf record: %w", err)
	}
	return t.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, recordKey(rec.PerfTaskID), blob, 0).Err()
	})
}

// StartPhase marks a phase's start time.
func (t *Tracker) StartPhase(ctx context.Context, perfTaskID string, phase Phase) error {
	rec, err := t.load(ctx, perfTaskID)
	if err != nil {
		return err
	}
	rec.Phases[phase] = &PhaseRecord{Start: time.Now()}
	return t.save(ctx, rec)
}

// EndPhase marks a phase's end time and records its duration in the
// per-phase sorted set (capped at phaseCap most recent entries).
func (t *Tracker) EndPhase(ctx context.Context, perfTaskID string, phase Phase) error {
	rec, err := t.load(ctx, perfTaskID)
	if err != nil {
		return err
	}
	p, ok := rec.Phases[phase]
	if !ok {
		p = &PhaseRecord{Start: time.Now()}
		rec.Phases[phase] = p
	}
	now := time.Now()
	p.End = &now
	p.Duration = now.Sub(p.Start)

	if err := t.save(ctx, rec); err != nil {
		return err
	}

	durationMs := float64(p.Duration.Microseconds()) / 1000
	return t.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		member := fmt.Sprintf("%s:%d", perfTaskID, now.UnixNano())
		if err := rdb.ZAdd(ctx, phaseKey(phase), redis.Z{Score: durationMs, Member: member}).Err(); err != nil {
			return err
		}
		return capSortedSet(ctx, rdb, phaseKey(phase), phaseCap)
	})
}

// AddTag attaches an arbitrary key/value tag to the record.
func (t *Tracker) AddTag(ctx context.Context, perfTaskID, key, value string) error {
	rec, err := t.load(ctx, perfTaskID)
	if err != nil {
		return err
	}
	rec.Tags[key] = value
	return t.save(ctx, rec)
}

// Complete marks the task finished, appends it to the recent-deployments
// feed (capped at 1000), records its total duration in the per-type sorted
// set, and bumps aggregate counters.
func (t *Tracker) Complete(ctx context.Context, perfTaskID string, success bool) error {
	rec, err := t.load(ctx, perfTaskID)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.EndTime = &now
	rec.Success = &success

	if err := t.save(ctx, rec); err != nil {
		return err
	}

	totalMs := float64(now.Sub(rec.StartTime).Microseconds()) / 1000
	counter := "tasks_failed"
	if success {
		counter = "tasks_completed"
	}

	return t.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		pipe.ZAdd(ctx, recentKey(), redis.Z{Score: float64(now.Unix()), Member: perfTaskID})
		pipe.ZAdd(ctx, typeKey(rec.TaskType), redis.Z{Score: totalMs, Member: perfTaskID})
		pipe.HIncrBy(ctx, countersKey(), counter, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if err := capSortedSet(ctx, rdb, recentKey(), recentDeploymentsCap); err != nil {
			return err
		}
		return capSortedSet(ctx, rdb, typeKey(rec.TaskType), recentDeploymentsCap)
	})
}

// capSortedSet trims a sorted set to its cap most recently added members
// (highest score), removing the rest.
func capSortedSet(ctx context.Context, rdb *redis.Client, key string, cap int64) error {
	count, err := rdb.ZCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if count <= cap {
		return nil
	}
	return rdb.ZRemRangeByRank(ctx, key, 0, count-cap-1).Err()
}

// RecentDeployments returns up to limit most recent task ids, newest first.
func (t *Tracker) RecentDeployments(ctx context.Context, limit int64) ([]Record, error) {
	records, _, err := t.RecentDeploymentsPage(ctx, 0, limit)
	return records, err
}

// RecentDeploymentsPage returns one offset-paginated page of recent
// deployment records, newest first, plus the total number of tracked
// records (for building an httpserver.OffsetPage envelope).
func (t *Tracker) RecentDeploymentsPage(ctx context.Context, offset, limit int64) ([]Record, int64, error) {
	total, err := t.rc.Raw().ZCard(ctx, recentKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("counting recent deployments: %w", err)
	}

	ids, err := t.rc.Raw().ZRevRange(ctx, recentKey(), offset, offset+limit-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("reading recent deployments: %w", err)
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := t.load(ctx, id)
		if err != nil {
			continue // record may have expired or been cleared; skip rather than fail the whole list
		}
		records = append(records, rec)
	}
	return records, total, nil
}

// Statistics computes count/min/max/mean/median/p95/p99 over a sorted set of
// durations (milliseconds).
func (t *Tracker) Statistics(ctx context.Context, key string) (Stats, error) {
	zs, err := t.rc.Raw().ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading %s: %w", key, err)
	}
	if len(zs) == 0 {
		return Stats{}, nil
	}

	values := make([]float64, len(zs))
	for i, z := range zs {
		values[i] = z.Score
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}

	return Stats{
		Count:  int64(len(values)),
		MinMs:  values[0],
		MaxMs:  values[len(values)-1],
		MeanMs: sum / float64(len(values)),
		P50Ms:  percentile(values, 50),
		P95Ms:  percentile(values, 95),
		P99Ms:  percentile(values, 99),
	}, nil
}

// PhaseStatistics computes statistics over one phase's duration sorted set.
func (t *Tracker) PhaseStatistics(ctx context.Context, phase Phase) (Stats, error) {
	return t.Statistics(ctx, phaseKey(phase))
}

// TypeStatistics computes statistics over one task type's duration sorted
// set.
func (t *Tracker) TypeStatistics(ctx context.Context, taskType string) (Stats, error) {
	return t.Statistics(ctx, typeKey(taskType))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ClearOldData drops task records whose end_time predates now-retention,
// sweeping the recent-deployments set and per-type sets alongside.
func (t *Tracker) ClearOldData(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	ids, err := t.rc.Raw().ZRangeByScore(ctx, recentKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning recent deployments: %w", err)
	}

	removed := 0
	for _, id := range ids {
		err := t.rc.Execute(ctx, func(ctx context.Context, rdb *redis.Client) error {
			pipe := rdb.TxPipeline()
			pipe.Del(ctx, recordKey(id))
			pipe.ZRem(ctx, recentKey(), id)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
