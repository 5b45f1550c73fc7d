package perf

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/edurange/instance-manager/pkg/redisclient"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.New(context.Background(), redisclient.Config{
		URL:                 "redis://" + mr.Addr() + "/0",
		HealthCheckInterval: time.Hour,
		CacheTTL:            time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("redisclient.New() error: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc)
}

func TestPhaseLifecycle(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.StartTask(ctx, "deployment")
	if err != nil {
		t.Fatalf("StartTask() error: %v", err)
	}
	if err := tr.StartPhase(ctx, id, PhaseValidation); err != nil {
		t.Fatalf("StartPhase() error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := tr.EndPhase(ctx, id, PhaseValidation); err != nil {
		t.Fatalf("EndPhase() error: %v", err)
	}
	if err := tr.Complete(ctx, id, true); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	recs, err := tr.RecentDeployments(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDeployments() error: %v", err)
	}
	if len(recs) != 1 || recs[0].PerfTaskID != id {
		t.Fatalf("expected 1 recent deployment with id %s, got %+v", id, recs)
	}
	if recs[0].Success == nil || !*recs[0].Success {
		t.Fatalf("expected success=true, got %+v", recs[0].Success)
	}
}

func TestStatistics(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := tr.StartTask(ctx, "deployment")
		if err != nil {
			t.Fatalf("StartTask() error: %v", err)
		}
		if err := tr.StartPhase(ctx, id, PhaseK8sResourcesCreation); err != nil {
			t.Fatalf("StartPhase() error: %v", err)
		}
		time.Sleep(time.Millisecond)
		if err := tr.EndPhase(ctx, id, PhaseK8sResourcesCreation); err != nil {
			t.Fatalf("EndPhase() error: %v", err)
		}
	}

	stats, err := tr.PhaseStatistics(ctx, PhaseK8sResourcesCreation)
	if err != nil {
		t.Fatalf("PhaseStatistics() error: %v", err)
	}
	if stats.Count != 5 {
		t.Fatalf("expected 5 samples, got %d", stats.Count)
	}
	if stats.MinMs > stats.MeanMs || stats.MeanMs > stats.MaxMs {
		t.Fatalf("expected min <= mean <= max, got %+v", stats)
	}
}

func TestClearOldData(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.StartTask(ctx, "deployment")
	if err != nil {
		t.Fatalf("StartTask() error: %v", err)
	}
	if err := tr.Complete(ctx, id, true); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	removed, err := tr.ClearOldData(ctx, -time.Hour) // retention in the past: everything is "old"
	if err != nil {
		t.Fatalf("ClearOldData() error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}

	recs, err := tr.RecentDeployments(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDeployments() error: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no recent deployments after clear, got %d", len(recs))
	}
}
