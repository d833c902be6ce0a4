// Package metrics provides Prometheus metrics for the support chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "supportchat"

var (
	// WebSocketConnections tracks the current number of live connections
	WebSocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Current number of live WebSocket connections by role",
	}, []string{"role"})

	// ConnectionsRejected counts upgrades refused before a connection went live
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections_rejected_total",
		Help:      "Connections refused, labeled by reason",
	}, []string{"reason"})

	// StaleConnections counts connections closed because their send buffer filled up
	StaleConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "stale_connections_total",
		Help:      "Connections dropped for not keeping up with outbound traffic",
	})

	// MessagesReceived tracks the total number of messages accepted from clients
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "messages_received_total",
		Help:      "Messages appended to history, labeled by sender",
	}, []string{"sender"})

	// MessagesSent tracks events queued to connections
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "messages_sent_total",
		Help:      "Message events queued for delivery to connections",
	})

	// FanoutFailures counts deliveries that could not be queued to a peer
	FanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "fanout_failures_total",
		Help:      "Deliveries dropped during fan-out, labeled by peer role",
	}, []string{"role"})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "message_errors_total",
		Help:      "Message processing errors, labeled by error category",
	}, []string{"category"})

	// SessionsCreated tracks the total number of sessions created
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Support sessions created",
	})

	// SessionsClosed tracks sessions closed by an admin
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "closed_total",
		Help:      "Support sessions closed by an admin",
	})

	// ActiveSessions tracks sessions known to this process
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Support sessions held in the registry",
	})

	// BackfillMessages observes how many messages a reconnect replayed
	BackfillMessages = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "messages",
		Help:      "Messages replayed per backfill",
		Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
	})

	// StoreOperationDuration tracks history store latency by backend and operation
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "History store operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	// HTTPRequestDuration tracks REST endpoint latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
