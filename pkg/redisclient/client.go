// Package redisclient wraps a Redis connection with cached health status,
// a background health checker, and a bounded reconnect-and-retry policy.
// Every other component in the Instance Manager Core talks to Redis through
// this client rather than holding a raw *redis.Client, so transient blips
// and real outages are distinguished in one place.
package redisclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	imerrors "github.com/edurange/instance-manager/internal/errors"
)

// Config configures a Client.
type Config struct {
	URL                 string
	MaxConnections      int
	HealthCheckInterval time.Duration
	CacheTTL            time.Duration
}

// Stats is a point-in-time snapshot of connection health, safe to serialize.
type Stats struct {
	Connected     bool      `json:"connected"`
	Healthy       bool      `json:"healthy"`
	LastError     string    `json:"last_error,omitempty"`
	FailureCount  int64     `json:"failure_count"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	URL           string    `json:"url"`
}

// Client is a resilient Redis connection surface.
type Client struct {
	raw    *redis.Client
	logger *slog.Logger
	url    string // password-masked, for Stats
	cfg    Config

	mu           sync.RWMutex
	healthy      bool
	lastChecked  time.Time
	lastErr      error
	failureCount int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Client and performs an initial connectivity check. It does
// not return an error if Redis is unreachable at startup — callers observe
// that through IsConnected/Stats, matching the documented "degrade, don't
// crash" policy.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}

	c := &Client{
		raw:    redis.NewClient(opts),
		logger: logger,
		url:    maskPassword(cfg.URL),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	c.refresh(ctx)

	c.wg.Add(1)
	go c.healthLoop()

	return c, nil
}

// Raw exposes the underlying go-redis client for operations this package
// does not wrap directly (pipelines, Lua scripts, sorted-set ranges).
func (c *Client) Raw() *redis.Client { return c.raw }

// Close stops the health loop and closes the underlying connection.
func (c *Client) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.raw.Close()
}

// IsConnected returns the cached healthy flag, refreshed at most every
// cfg.CacheTTL by the background loop or by a forced refresh on failure.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Stats returns a snapshot of connection health.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Connected:     c.healthy,
		Healthy:       c.healthy,
		FailureCount:  c.failureCount,
		LastCheckedAt: c.lastChecked,
		URL:           c.url,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// healthLoop pings at cfg.HealthCheckInterval and logs once per
// healthy/degraded transition.
func (c *Client) healthLoop() {
	defer c.wg.Done()

	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.refresh(ctx)
			cancel()
		}
	}
}

// refresh pings Redis and updates the cached health state, logging once per
// state transition.
func (c *Client) refresh(ctx context.Context) {
	err := c.raw.Ping(ctx).Err()

	c.mu.Lock()
	wasHealthy := c.healthy
	c.healthy = err == nil
	c.lastErr = err
	c.lastChecked = time.Now()
	if err != nil {
		c.failureCount++
	}
	nowHealthy := c.healthy
	c.mu.Unlock()

	if wasHealthy != nowHealthy {
		if nowHealthy {
			c.logger.Info("redis connection healthy")
		} else {
			c.logger.Error("redis connection degraded", "error", err)
		}
	}
}

// cachedIsStale reports whether the cached health status is older than
// cfg.CacheTTL and should be refreshed before trusting it.
func (c *Client) cachedIsStale() bool {
	ttl := c.cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastChecked) > ttl
}

// Execute attempts op against Redis. On a transport failure it marks the
// client unhealthy, forces one reconnect-check, and retries op once;
// otherwise it returns ErrRedisUnavailable.
func (c *Client) Execute(ctx context.Context, op func(ctx context.Context, rdb *redis.Client) error) error {
	if c.cachedIsStale() {
		c.refresh(ctx)
	}

	err := op(ctx, c.raw)
	if err == nil || err == redis.Nil {
		return err
	}
	if !isTransportError(err) {
		return err
	}

	c.logger.Warn("redis operation failed, retrying once", "error", err)
	c.refresh(ctx)
	if !c.IsConnected() {
		return imerrors.Wrapf(imerrors.ErrRedisUnavailable, "redis unavailable: %v", err)
	}

	if retryErr := op(ctx, c.raw); retryErr != nil {
		if retryErr == redis.Nil {
			return retryErr
		}
		return imerrors.Wrapf(imerrors.ErrRedisUnavailable, "redis retry failed: %v", retryErr)
	}
	return nil
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	return !redis.HasErrorPrefix(err, "ERR") && !redis.HasErrorPrefix(err, "WRONGTYPE")
}

// maskPassword replaces a URL's password component with "***" for safe
// display in Stats.
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
