package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across the API surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instance_manager",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth reports pending task count per queue kind.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "instance_manager",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of pending tasks per queue kind.",
	},
	[]string{"kind"},
)

// TasksEnqueuedTotal counts tasks enqueued per kind and priority.
var TasksEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instance_manager",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total number of tasks enqueued.",
	},
	[]string{"kind", "priority"},
)

// TasksCompletedTotal counts completed tasks per kind and outcome.
var TasksCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instance_manager",
		Subsystem: "queue",
		Name:      "completed_total",
		Help:      "Total number of tasks completed, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// TasksRecoveredTotal counts stalled tasks recovered per kind.
var TasksRecoveredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instance_manager",
		Subsystem: "queue",
		Name:      "recovered_total",
		Help:      "Total number of stalled tasks recovered.",
	},
	[]string{"kind"},
)

// LockWaitDuration tracks time spent waiting to acquire a distributed lock.
var LockWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instance_manager",
		Subsystem: "lock",
		Name:      "wait_duration_seconds",
		Help:      "Time spent acquiring a distributed lock, in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	},
	[]string{"category", "outcome"},
)

// WorkersActive reports the number of registered workers by status.
var WorkersActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "instance_manager",
		Subsystem: "worker",
		Name:      "active",
		Help:      "Number of registered workers by status.",
	},
	[]string{"kind", "status"},
)

// DispatcherTaskDuration tracks task callback duration.
var DispatcherTaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instance_manager",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Task callback duration in seconds, by kind and outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"kind", "outcome"},
)

// DeploymentsTotal counts challenge deployments by outcome.
var DeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instance_manager",
		Subsystem: "deployments",
		Name:      "total",
		Help:      "Total number of deployment attempts, by outcome.",
	},
	[]string{"challenge_type", "outcome"},
)

// RateLimitedTotal counts rejected requests due to rate limiting.
var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instance_manager",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	},
	[]string{"scope"},
)

// All returns the instance-manager-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth,
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		TasksRecoveredTotal,
		LockWaitDuration,
		WorkersActive,
		DispatcherTaskDuration,
		DeploymentsTotal,
		RateLimitedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
