// Package ratelimit implements the rate limiter (RL): a per-key sliding
// window enforced in Redis via INCR+EXPIRE, with an automatic fallback to
// process-local counters when Redis is unhealthy at construction time.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/redisclient"
)

// Config controls the window size, the point budget, and the block period
// applied once the budget is exceeded.
type Config struct {
	Points        int
	WindowSeconds int
	BlockSeconds  int
}

// Limiter enforces Config against a key (typically a user_id).
type Limiter struct {
	cfg      Config
	rc       *redisclient.Client
	fallback bool

	mu     sync.Mutex
	local  map[string]*localWindow
}

type localWindow struct {
	count      int
	windowEnds time.Time
	blockUntil time.Time
}

// New constructs a Limiter. If rc reports unhealthy at construction, the
// limiter falls back to an in-process counter for the remainder of its
// lifetime — per spec.md §4.9, the fallback is a one-time decision made at
// init, not re-evaluated per call.
func New(cfg Config, rc *redisclient.Client) *Limiter {
	return &Limiter{
		cfg:      cfg,
		rc:       rc,
		fallback: !rc.IsConnected(),
		local:    map[string]*localWindow{},
	}
}

func windowKey(key string) string { return fmt.Sprintf("ratelimit:%s", key) }
func blockKey(key string) string  { return fmt.Sprintf("ratelimit:block:%s", key) }

// Consume registers one operation against key. Returns nil if under budget,
// or an *imerrors.Error wrapping ErrRateLimited carrying
// "seconds_before_next: <n>" in Detail if the caller must wait.
func (l *Limiter) Consume(ctx context.Context, key string) error {
	if l.fallback {
		return l.consumeLocal(key)
	}
	return l.consumeRedis(ctx, key)
}

func (l *Limiter) consumeRedis(ctx context.Context, key string) error {
	blockTTL, err := l.rc.Raw().TTL(ctx, blockKey(key)).Result()
	if err != nil {
		return fmt.Errorf("checking block state: %w", err)
	}
	if blockTTL > 0 {
		return rateLimitedError(int(blockTTL.Seconds()) + 1)
	}

	window := windowKey(key)
	count, err := l.rc.Raw().Incr(ctx, window).Result()
	if err != nil {
		return fmt.Errorf("incrementing rate window: %w", err)
	}
	if count == 1 {
		if err := l.rc.Raw().Expire(ctx, window, time.Duration(l.cfg.WindowSeconds)*time.Second).Err(); err != nil {
			return fmt.Errorf("setting window expiry: %w", err)
		}
	}

	if int(count) > l.cfg.Points {
		if err := l.rc.Raw().Set(ctx, blockKey(key), 1, time.Duration(l.cfg.BlockSeconds)*time.Second).Err(); err != nil {
			return fmt.Errorf("setting block period: %w", err)
		}
		return rateLimitedError(l.cfg.BlockSeconds)
	}
	return nil
}

func (l *Limiter) consumeLocal(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.local[key]
	if !ok || now.After(w.windowEnds) {
		w = &localWindow{count: 0, windowEnds: now.Add(time.Duration(l.cfg.WindowSeconds) * time.Second)}
		l.local[key] = w
	}

	if now.Before(w.blockUntil) {
		return rateLimitedError(int(w.blockUntil.Sub(now).Seconds()) + 1)
	}

	w.count++
	if w.count > l.cfg.Points {
		w.blockUntil = now.Add(time.Duration(l.cfg.BlockSeconds) * time.Second)
		return rateLimitedError(l.cfg.BlockSeconds)
	}
	return nil
}

func rateLimitedError(secondsBeforeNext int) error {
	return imerrors.Wrapf(imerrors.ErrRateLimited, "seconds_before_next: %d", secondsBeforeNext)
}

// IsFallback reports whether this limiter is running on the in-process
// fallback rather than Redis.
func (l *Limiter) IsFallback() bool { return l.fallback }

// Status is the current rate-limit window state for one key, reported by
// GET /rate-limit-status/<user_id> per spec.md §4.10.
type Status struct {
	Fallback          bool `json:"fallback"`
	Points            int  `json:"points"`
	WindowSeconds     int  `json:"window_seconds"`
	Used              int  `json:"used"`
	Blocked           bool `json:"blocked"`
	SecondsUntilReset int  `json:"seconds_until_reset"`
}

// Status reports key's current usage against the configured budget without
// consuming a point.
func (l *Limiter) Status(ctx context.Context, key string) (Status, error) {
	if l.fallback {
		return l.statusLocal(key), nil
	}
	return l.statusRedis(ctx, key)
}

func (l *Limiter) statusRedis(ctx context.Context, key string) (Status, error) {
	s := Status{Points: l.cfg.Points, WindowSeconds: l.cfg.WindowSeconds}

	blockTTL, err := l.rc.Raw().TTL(ctx, blockKey(key)).Result()
	if err != nil {
		return s, fmt.Errorf("checking block state: %w", err)
	}
	if blockTTL > 0 {
		s.Blocked = true
		s.SecondsUntilReset = int(blockTTL.Seconds()) + 1
		return s, nil
	}

	count, err := l.rc.Raw().Get(ctx, windowKey(key)).Int()
	if err != nil && err != redis.Nil {
		return s, fmt.Errorf("reading rate window: %w", err)
	}
	s.Used = count

	windowTTL, err := l.rc.Raw().TTL(ctx, windowKey(key)).Result()
	if err == nil && windowTTL > 0 {
		s.SecondsUntilReset = int(windowTTL.Seconds())
	}
	return s, nil
}

func (l *Limiter) statusLocal(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{Fallback: true, Points: l.cfg.Points, WindowSeconds: l.cfg.WindowSeconds}
	w, ok := l.local[key]
	if !ok {
		return s
	}
	now := time.Now()
	if now.Before(w.blockUntil) {
		s.Blocked = true
		s.SecondsUntilReset = int(w.blockUntil.Sub(now).Seconds()) + 1
		return s
	}
	if now.Before(w.windowEnds) {
		s.Used = w.count
		s.SecondsUntilReset = int(w.windowEnds.Sub(now).Seconds())
	}
	return s
}
