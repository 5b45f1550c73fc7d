package lock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
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

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryInterval = 5 * time.Millisecond
	return New(rc, cfg, testLogger()), mr
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, CategoryChallenge, "chal-1", false)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if h == nil {
		t.Fatal("expected to acquire the lock")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	h2, err := m.Acquire(ctx, CategoryChallenge, "chal-1", false)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if h2 == nil {
		t.Fatal("expected to reacquire the lock after release")
	}
}

func TestAcquireContendedNonBlocking(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, CategoryQueue, "deploy", false)
	if err != nil || first == nil {
		t.Fatalf("expected first acquire to succeed, got handle=%v err=%v", first, err)
	}

	second, err := m.Acquire(ctx, CategoryQueue, "deploy", false)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if second != nil {
		t.Fatal("expected contended non-blocking acquire to return nil handle")
	}
}

func TestReleaseDoesNotStealForeignLock(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	// Simulate another owner holding the same key with a different token.
	key := lockKey(CategoryResource, "shared")
	if err := mr.Set(key, "someone-else-token"); err != nil {
		t.Fatalf("seeding foreign lock: %v", err)
	}

	stale := &Handle{key: key, token: m.token, mgr: m}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	if got, _ := mr.Get(key); got != "someone-else-token" {
		t.Fatalf("expected foreign lock to survive release, got %q", got)
	}
}

func TestWithChallengeLockMissingID(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := WithChallengeLock(m, func() (string, bool) { return "", false }, CategoryChallenge, false,
		func(ctx context.Context) (string, error) { return "ran", nil })

	if err == nil || err.(*imerrors.Error).Kind != imerrors.ErrValidation.Kind {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestWithChallengeLockRunsCallback(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := WithChallengeLock(m, func() (string, bool) { return "chal-9", true }, CategoryChallenge, false,
		func(ctx context.Context) (string, error) { return "ran", nil })
	if err != nil {
		t.Fatalf("WithChallengeLock() error: %v", err)
	}
	if result != "ran" {
		t.Fatalf("expected callback result %q, got %q", "ran", result)
	}
}
