package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
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
	return New(cfg, rc), mr
}

func TestConsumeWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Points: 3, WindowSeconds: 60, BlockSeconds: 30})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Consume(ctx, "user-1"); err != nil {
			t.Fatalf("Consume() %d error: %v", i, err)
		}
	}
}

func TestConsumeExceedsBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Points: 2, WindowSeconds: 60, BlockSeconds: 30})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Consume(ctx, "user-2"); err != nil {
			t.Fatalf("Consume() %d error: %v", i, err)
		}
	}

	err := l.Consume(ctx, "user-2")
	if !errors.Is(err, imerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Still blocked on the next attempt too.
	err = l.Consume(ctx, "user-2")
	if !errors.Is(err, imerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited while blocked, got %v", err)
	}
}

func TestFallbackWhenRedisUnhealthyAtInit(t *testing.T) {
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
	mr.Close()

	// Construct a second client against the now-dead server to force an
	// unhealthy-at-init state without racing the background health loop.
	dead, err := redisclient.New(context.Background(), redisclient.Config{
		URL:                 "redis://" + mr.Addr() + "/0",
		HealthCheckInterval: time.Hour,
		CacheTTL:            time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("redisclient.New() error: %v", err)
	}
	t.Cleanup(func() { _ = dead.Close() })

	l := New(Config{Points: 1, WindowSeconds: 60, BlockSeconds: 30}, dead)
	if !l.IsFallback() {
		t.Fatal("expected limiter to fall back to local counters")
	}

	if err := l.Consume(context.Background(), "user-3"); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	err = l.Consume(context.Background(), "user-3")
	if !errors.Is(err, imerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited from local fallback, got %v", err)
	}
}

func TestStatusReportsUsageWithoutConsuming(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Points: 3, WindowSeconds: 60, BlockSeconds: 30})
	ctx := context.Background()

	if err := l.Consume(ctx, "user-4"); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}

	s, err := l.Status(ctx, "user-4")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if s.Used != 1 {
		t.Errorf("used = %d, want 1", s.Used)
	}
	if s.Blocked {
		t.Error("expected not blocked")
	}

	s2, err := l.Status(ctx, "user-4")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if s2.Used != 1 {
		t.Errorf("Status() should not itself consume a point, used = %d", s2.Used)
	}
}

func TestStatusReportsBlockedState(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Points: 1, WindowSeconds: 60, BlockSeconds: 30})
	ctx := context.Background()

	if err := l.Consume(ctx, "user-5"); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	if err := l.Consume(ctx, "user-5"); !errors.Is(err, imerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	s, err := l.Status(ctx, "user-5")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !s.Blocked {
		t.Error("expected blocked state")
	}
	if s.SecondsUntilReset <= 0 {
		t.Errorf("seconds_until_reset = %d, want > 0", s.SecondsUntilReset)
	}
}
