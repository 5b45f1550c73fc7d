package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/perf"
	"github.com/edurange/instance-manager/pkg/queue"
	"github.com/edurange/instance-manager/pkg/redisclient"
	"github.com/edurange/instance-manager/pkg/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	q        *queue.Queue
	registry *worker.Registry
	tracker  *perf.Tracker
}

func newHarness(t *testing.T) harness {
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

	q := queue.New(queue.KindDeployment, rc, locks, testLogger())
	registry := worker.New(rc, locks, testLogger(), time.Hour, 30*time.Second)
	tracker := perf.New(rc)

	return harness{q: q, registry: registry, tracker: tracker}
}

func TestProcessTaskCompletesSuccessfully(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.registry.RegisterWorker(ctx, worker.KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	if err := h.registry.Transition(ctx, w.WorkerID, worker.StateIdle, nil); err != nil {
		t.Fatalf("Transition to idle error: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"challenge_id": "demo-1"})
	taskID, err := h.q.Enqueue(ctx, payload, queue.PriorityNormal, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	handlerCalled := false
	handler := func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		handlerCalled = true
		return json.RawMessage(`{"ok":true}`), nil
	}

	d := New(DefaultConfig(), h.q, h.registry, h.tracker, handler, w.WorkerID, testLogger())

	task, err := h.q.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue() task=%v err=%v", task, err)
	}
	d.processTask(ctx, task)

	if !handlerCalled {
		t.Fatal("expected handler to be invoked")
	}

	status, err := h.q.GetTaskStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskStatus() error: %v", err)
	}
	if status.Status != queue.StatusCompleted {
		t.Fatalf("expected completed status, got %q", status.Status)
	}

	got, err := h.registry.GetWorker(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("GetWorker() error: %v", err)
	}
	if got.Processed != 1 {
		t.Fatalf("expected 1 processed task, got %d", got.Processed)
	}
	if got.Status != worker.StateIdle {
		t.Fatalf("expected worker back to idle, got %v", got.Status)
	}
}

func TestProcessTaskTimesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.registry.RegisterWorker(ctx, worker.KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	if err := h.registry.Transition(ctx, w.WorkerID, worker.StateIdle, nil); err != nil {
		t.Fatalf("Transition to idle error: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"challenge_id": "slow-1"})
	taskID, err := h.q.Enqueue(ctx, payload, queue.PriorityNormal, "")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	handler := func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}

	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Millisecond
	d := New(cfg, h.q, h.registry, h.tracker, handler, w.WorkerID, testLogger())

	task, err := h.q.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue() task=%v err=%v", task, err)
	}
	d.processTask(ctx, task)

	status, err := h.q.GetTaskStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskStatus() error: %v", err)
	}
	if status.Status != queue.StatusTimeout {
		t.Fatalf("expected timeout status, got %q", status.Status)
	}
}
