package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api" or "worker".
	Mode string `env:"INSTANCE_MANAGER_MODE" envDefault:"api"`

	// Server
	Host string `env:"INSTANCE_MANAGER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"INSTANCE_MANAGER_PORT" envDefault:"5000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Redis (RC)
	RedisURL             string  `env:"REDIS_URL" envDefault:"redis://redis:6379/0"`
	RedisMaxConnections  int     `env:"REDIS_MAX_CONNECTIONS" envDefault:"10"`
	RedisHealthCheckSecs int     `env:"REDIS_HEALTH_CHECK_INTERVAL" envDefault:"30"`
	RedisCacheTTLSeconds float64 `env:"REDIS_CACHE_TTL" envDefault:"1.0"`

	// Challenge URLs
	Domain     string `env:"DOMAIN" envDefault:"example.test"`
	IngressURL string `env:"INGRESS_URL"`

	// Challenge pod labeling
	ChallengePodLabelKey   string `env:"CHALLENGE_POD_LABEL_KEY" envDefault:"app"`
	ChallengePodLabelValue string `env:"CHALLENGE_POD_LABEL_VALUE" envDefault:"ctfchal"`

	// Worker fleet (WR/HM)
	EnableParallelWorkers  bool `env:"ENABLE_PARALLEL_WORKERS" envDefault:"false"`
	WorkerHeartbeatSecs    int  `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15"`
	WorkerCheckSecs        int  `env:"WORKER_CHECK_INTERVAL" envDefault:"60"`
	WorkerHeartbeatTimeout int  `env:"WORKER_HEARTBEAT_TIMEOUT" envDefault:"60"`
	WorkerExpirySeconds    int  `env:"WORKER_EXPIRY_SECONDS" envDefault:"3600"`

	// Distributed lock manager (DLM)
	CriticalSectionTimeoutSecs int `env:"CRITICAL_SECTION_TIMEOUT" envDefault:"30"`
	DeploymentLockTimeoutSecs  int `env:"DEPLOYMENT_LOCK_TIMEOUT" envDefault:"120"`
	TerminationLockTimeoutSecs int `env:"TERMINATION_LOCK_TIMEOUT" envDefault:"60"`
	QueueLockTimeoutSecs       int `env:"QUEUE_LOCK_TIMEOUT" envDefault:"30"`
	ResourceLockTimeoutSecs    int `env:"RESOURCE_LOCK_TIMEOUT" envDefault:"30"`
	OperationLockTimeoutSecs   int `env:"OPERATION_LOCK_TIMEOUT" envDefault:"30"`
	LockRetryAttempts          int `env:"LOCK_RETRY_ATTEMPTS" envDefault:"5"`
	LockRetryIntervalMillis    int `env:"LOCK_RETRY_INTERVAL_MS" envDefault:"200"`

	// Task dispatcher (TD)
	TaskTimeoutSeconds int `env:"TASK_TIMEOUT_SECONDS" envDefault:"600"`

	// Rate limiter (RL)
	RateLimitPoints     int `env:"RATE_LIMIT_POINTS" envDefault:"5"`
	RateLimitWindowSecs int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	RateLimitBlockSecs  int `env:"RATE_LIMIT_BLOCK_SECONDS" envDefault:"300"`

	// CTD/CDF resolver (TR)
	CTDDirectory string `env:"CTD_DIRECTORY" envDefault:"/etc/instance-manager/ctd"`

	// Kubernetes adapter (KA)
	KubeconfigPath string `env:"KUBECONFIG"`
	Namespace      string `env:"CHALLENGE_NAMESPACE" envDefault:"default"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
