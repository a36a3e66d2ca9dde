package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by credential type and result.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"credential", "result"},
	)

	// ActiveSessions tracks sessions currently resident in the credential store.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backplane_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// RoleChecks counts role authorization decisions (allowed|denied).
	RoleChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backplane_role_checks_total",
			Help: "Total number of role authorization checks",
		},
		[]string{"role", "result"},
	)

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backplane_ratelimit_rejections_total",
			Help: "Total number of rate limited requests",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backplane_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
