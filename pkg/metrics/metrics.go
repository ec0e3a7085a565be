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

	// SyncDuration tracks how long a list or thread refresh took.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_sync_duration_seconds",
			Help:    "Inbox refresh duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"target", "domain", "outcome"},
	)

	// SyncTotal counts refreshes by outcome (applied, failed, cancelled, stale).
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_sync_total",
			Help: "Total inbox refreshes by outcome",
		},
		[]string{"target", "domain", "outcome"},
	)

	// DedupTotal counts local messages superseded by their server copy.
	DedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_dedup_total",
			Help: "Local messages superseded by server copies",
		},
		[]string{"domain"},
	)

	// MessagesSentTotal counts composer sends by outcome.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_messages_sent_total",
			Help: "Total messages sent from the composer",
		},
		[]string{"domain", "outcome"},
	)

	// ResolvesTotal counts conversation resolutions by outcome.
	ResolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_resolves_total",
			Help: "Total conversation resolutions",
		},
		[]string{"domain", "outcome"},
	)

	// UnreadMessages tracks the badge count per domain.
	UnreadMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_unread_messages",
			Help: "Unread messages per domain as shown on the badge",
		},
		[]string{"domain"},
	)

	// TimerStates tracks how many timers are in each lifecycle state.
	TimerStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_timers",
			Help: "Polling timers by name and state",
		},
		[]string{"timer", "state"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsPublishedTotal counts inbox events published to NATS.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_events_published_total",
			Help: "Inbox events published to NATS",
		},
		[]string{"type", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSync records one refresh of a list or thread.
func RecordSync(target, domain, outcome string, duration float64) {
	SyncDuration.WithLabelValues(target, domain, outcome).Observe(duration)
	SyncTotal.WithLabelValues(target, domain, outcome).Inc()
}

// SetTimerState moves a timer from one state bucket to another.
// Stopped timers are not counted.
func SetTimerState(timer, from, to string) {
	if from != "stopped" {
		TimerStates.WithLabelValues(timer, from).Dec()
	}
	if to != "stopped" {
		TimerStates.WithLabelValues(timer, to).Inc()
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
