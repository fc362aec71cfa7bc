// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamConnectionsActive tracks live dashboard stream connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active dashboard stream connections",
		},
		[]string{"transport"},
	)

	// SessionsActive tracks conversations currently under human control.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "human_control_sessions_active",
			Help: "Number of conversations currently controlled by a human agent",
		},
	)

	// SessionsEnded counts terminated sessions by cause.
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "human_control_sessions_ended_total",
			Help: "Total human control sessions ended",
		},
		[]string{"cause"},
	)

	// MessagesQueued counts customer messages queued while a human held control.
	MessagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_messages_total",
			Help: "Total messages queued during human control",
		},
		[]string{"type"},
	)

	// EventsPublished counts events fanned out to connections.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_total",
			Help: "Total events delivered to stream connections",
		},
		[]string{"type"},
	)

	// ConnectionsDropped counts connections removed because a push failed.
	ConnectionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_connections_dropped_total",
			Help: "Connections removed after a failed push",
		},
		[]string{"reason"},
	)

	// IsolationViolations counts blocked cross-organization deliveries and requests.
	IsolationViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "organization_isolation_violations_total",
			Help: "Blocked cross-organization access attempts",
		},
		[]string{"source"},
	)

	// WebhooksTotal counts webhook requests by provider and outcome.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_total",
			Help: "Total inbound webhook requests",
		},
		[]string{"provider", "outcome"},
	)

	// RateLimitRejections counts sliding-window rejections.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter",
		},
		[]string{"provider"},
	)

	// AIForwardsTotal tracks messages handed to the AI path.
	AIForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_forwards_total",
			Help: "Customer messages forwarded to the AI responder",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementStreamConnections increments the active connection count for a transport.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count for a transport.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordWebhook records the outcome of a webhook request.
func RecordWebhook(provider, outcome string) {
	WebhooksTotal.WithLabelValues(provider, outcome).Inc()
}
