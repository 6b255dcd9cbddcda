// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// HubActiveConnections tracks the number of live WebSocket connections.
	HubActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_connections",
			Help: "Number of live WebSocket connections",
		},
	)

	// HubOnlineUsers tracks the number of users with at least one connection.
	HubOnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_online_users",
			Help: "Number of users with at least one live connection",
		},
	)

	// HubActiveRooms tracks the number of rooms with at least one member.
	HubActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of rooms with at least one present member",
		},
	)

	// HubCommandChannelDepth tracks the hub command channel backlog.
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current depth of the hub command channel",
		},
	)

	// HubPanicsTotal tracks panics recovered inside the hub loop.
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_recovered_total",
			Help: "Total panics recovered in the hub goroutine",
		},
	)

	// HubStopTimeoutsTotal tracks hub shutdowns that exceeded the stop timeout.
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Total hub shutdowns that exceeded the stop timeout",
		},
	)
)

// Message metrics
var (
	// MessagesReceivedTotal counts inbound messages by type ("malformed" for
	// frames that failed to parse).
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Total inbound WebSocket messages by type",
		},
		[]string{"type"},
	)

	// MessagesSentTotal counts outbound messages by type.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total outbound WebSocket messages by type",
		},
		[]string{"type"},
	)

	// MessageSendDuration tracks WebSocket write latency in seconds.
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "message_send_duration_seconds",
			Help:    "WebSocket message write duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// RateLimitedMessagesTotal counts inbound messages dropped by the
	// per-connection rate limiter.
	RateLimitedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_messages_total",
			Help: "Total inbound messages dropped by the per-connection rate limiter",
		},
	)
)

// Connection lifecycle metrics
var (
	// AuthFailuresTotal counts rejected WebSocket handshakes by reason.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_auth_failures_total",
			Help: "Total rejected WebSocket handshakes by reason",
		},
		[]string{"reason"},
	)

	// HeartbeatTerminationsTotal counts connections reaped by the heartbeat
	// monitor.
	HeartbeatTerminationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_terminations_total",
			Help: "Total connections terminated for missing a heartbeat probe",
		},
	)

	// SlowClientEvictionsTotal counts connections evicted for a full send buffer.
	SlowClientEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slow_client_evictions_total",
			Help: "Total connections evicted because their send buffer was full",
		},
	)

	// ConnectionsRejectedTotal counts connections rejected by capacity limits.
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total connections rejected by capacity limits (global/per_ip)",
		},
		[]string{"limit"},
	)
)
