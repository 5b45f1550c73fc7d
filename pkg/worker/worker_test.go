package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
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

	return New(rc, locks, testLogger(), time.Hour, 30*time.Second)
}

func TestRegisterAndTransition(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.RegisterWorker(ctx, KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	if w.Status != StateInitialized {
		t.Fatalf("expected initial status initialized, got %v", w.Status)
	}

	if err := r.Transition(ctx, w.WorkerID, StateIdle, nil); err != nil {
		t.Fatalf("Transition to idle error: %v", err)
	}
	if err := r.Transition(ctx, w.WorkerID, StateActive, nil); err != nil {
		t.Fatalf("Transition to active error: %v", err)
	}

	history, err := r.History(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
}

func TestDisallowedTransitionRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.RegisterWorker(ctx, KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	if err := r.Transition(ctx, w.WorkerID, StateFailed, nil); err != nil {
		t.Fatalf("Transition to failed error: %v", err)
	}

	// failed is terminal: no transition out is allowed.
	err = r.Transition(ctx, w.WorkerID, StateIdle, nil)
	if !errors.Is(err, imerrors.ErrStateTransition) {
		t.Fatalf("expected ErrStateTransition, got %v", err)
	}

	got, err := r.GetWorker(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("GetWorker() error: %v", err)
	}
	if got.Status != StateFailed {
		t.Fatalf("expected status to remain failed, got %v", got.Status)
	}
}

func TestTransitionHandlerFires(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	fired := make(chan TransitionRecord, 1)
	r.OnTransition(func(ctx context.Context, workerID string, rec TransitionRecord) {
		fired <- rec
	})

	w, err := r.RegisterWorker(ctx, KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	if err := r.Transition(ctx, w.WorkerID, StateIdle, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	select {
	case rec := <-fired:
		if rec.To != StateIdle {
			t.Fatalf("expected handler to observe transition to idle, got %v", rec.To)
		}
	case <-time.After(time.Second):
		t.Fatal("expected transition handler to fire")
	}
}

func TestDetectAndCleanupStaleWorkers(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.RegisterWorker(ctx, KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}
	// Force the worker's start time far enough in the past to be stale
	// against a short heartbeat timeout, since no heartbeat has been sent.
	if err := r.UpdateWorker(ctx, w.WorkerID, func(worker *Worker) {
		worker.StartTime = time.Now().Add(-time.Hour)
	}); err != nil {
		t.Fatalf("UpdateWorker() error: %v", err)
	}

	var staleIDs []string
	cleaned, err := r.CleanupStaleWorkers(ctx, time.Second, func(ids []string) { staleIDs = ids })
	if err != nil {
		t.Fatalf("CleanupStaleWorkers() error: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned worker, got %d", cleaned)
	}
	if len(staleIDs) != 1 || staleIDs[0] != w.WorkerID {
		t.Fatalf("expected onStale callback with %s, got %v", w.WorkerID, staleIDs)
	}

	got, err := r.GetWorker(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("GetWorker() error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected worker to be deregistered, got %+v", got)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.RegisterWorker(ctx, KindDeployment, "")
	if err != nil {
		t.Fatalf("RegisterWorker() error: %v", err)
	}

	if err := r.SendCommand(ctx, w.WorkerID, CommandPause); err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}

	cmd, err := r.PollCommand(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("PollCommand() error: %v", err)
	}
	if cmd != CommandPause {
		t.Fatalf("expected pause command, got %q", cmd)
	}

	// Polling again returns none: GetDel clears the key.
	cmd, err = r.PollCommand(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("PollCommand() second call error: %v", err)
	}
	if cmd != CommandNone {
		t.Fatalf("expected no command after first poll, got %q", cmd)
	}
}
