package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.New(context.Background(), redisclient.Config{
		URL:                 "redis://" + mr.Addr() + "/0",
		HealthCheckInterval: time.Hour,
		CacheTTL:            time.Hour,
	}, testLogger())
	if err != nil {
		t.Fatalf("redisclient.New() error: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	lcfg := lock.DefaultConfig()
	lcfg.RetryAttempts = 3
	lcfg.RetryInterval = 5 * time.Millisecond
	locks := lock.New(rc, lcfg, testLogger())

	return New(KindDeployment, rc, locks, testLogger()), mr
}

func payload(challengeID string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"challenge_id": challengeID})
	return b
}

// S1 — Priority ordering: HIGH, NORMAL, LOW enqueued in that order dequeue
// HIGH, NORMAL, LOW regardless of enqueue order.
func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, payload("c1"), PriorityHigh, ""); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	if _, err := q.Enqueue(ctx, payload("c2"), PriorityNormal, ""); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if _, err := q.Enqueue(ctx, payload("c3"), PriorityLow, ""); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("dequeue 1: task=%v err=%v", first, err)
	}
	if first.Priority != PriorityHigh {
		t.Fatalf("expected HIGH first, got %v", first.Priority)
	}

	second, err := q.Dequeue(ctx)
	if err != nil || second == nil {
		t.Fatalf("dequeue 2: task=%v err=%v", second, err)
	}
	if second.Priority != PriorityNormal {
		t.Fatalf("expected NORMAL second, got %v", second.Priority)
	}

	third, err := q.Dequeue(ctx)
	if err != nil || third == nil {
		t.Fatalf("dequeue 3: task=%v err=%v", third, err)
	}
	if third.Priority != PriorityLow {
		t.Fatalf("expected LOW third, got %v", third.Priority)
	}
}

// S2 — FIFO within priority: A enqueued before B at the same priority
// dequeues first.
func TestFIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	idA, err := q.Enqueue(ctx, payload("a"), PriorityNormal, "")
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	idB, err := q.Enqueue(ctx, payload("b"), PriorityNormal, "")
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil || first.TaskID != idA {
		t.Fatalf("expected A first, got %+v err=%v", first, err)
	}
	second, err := q.Dequeue(ctx)
	if err != nil || second == nil || second.TaskID != idB {
		t.Fatalf("expected B second, got %+v err=%v", second, err)
	}
}

// S4 — Stall recovery: a processing entry older than max_age reappears in
// pending at HIGH priority with status "recovered".
func TestStallRecovery(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, payload("stalled"), PriorityNormal, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Simulate the dequeue happening 600s ago by rewriting the processing
	// set's score directly.
	staleScore := float64(time.Now().Add(-600 * time.Second).Unix())
	if err := mr.ZAdd(q.processingKey(), staleScore, taskID); err != nil {
		t.Fatalf("seeding stale processing score: %v", err)
	}

	n, err := q.RecoverStalledTasks(ctx, 300*time.Second)
	if err != nil {
		t.Fatalf("RecoverStalledTasks() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered task, got %d", n)
	}

	task, err := q.GetTaskStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskStatus() error: %v", err)
	}
	if task.Status != StatusRecovered {
		t.Fatalf("expected status recovered, got %q", task.Status)
	}
	if task.Priority != PriorityHigh {
		t.Fatalf("expected recovered task at HIGH priority, got %v", task.Priority)
	}

	isMember, err := mr.SortedSet(q.pendingKey())
	if err != nil {
		t.Fatalf("reading pending set: %v", err)
	}
	if _, ok := isMember[taskID]; !ok {
		t.Fatalf("expected task %s back in pending set", taskID)
	}
}

func TestDequeueReportsDataMissing(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	// Add directly to the pending set without writing a task blob,
	// simulating a race with an administrative clear.
	if err := mr.ZAdd(q.pendingKey(), 1, "ghost-task"); err != nil {
		t.Fatalf("seeding ghost entry: %v", err)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if task == nil || task.Status != StatusDataMissing {
		t.Fatalf("expected data_missing status, got %+v", task)
	}

	exists, err := mr.Exists(q.pendingKey())
	if err != nil {
		t.Fatalf("checking pending set: %v", err)
	}
	if exists {
		t.Fatalf("expected ghost entry not re-added to pending set")
	}
}

func TestClearQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, payload("x"), PriorityNormal, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.ClearQueue(ctx); err != nil {
		t.Fatalf("ClearQueue() error: %v", err)
	}

	stats, err := q.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats() error: %v", err)
	}
	if stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("expected empty queue after clear, got %+v", stats)
	}
}
