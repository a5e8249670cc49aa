package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// BackendCallLatency records backend call latency by operation and outcome.
	BackendCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrolink_backend_call_latency_seconds",
		Help:    "Backend call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	// BackendRetries counts retried backend attempts by operation.
	BackendRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_backend_retries_total",
		Help: "Total number of retried backend attempts",
	}, []string{"operation"})

	// MessagesSent counts send attempts by message type and outcome.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_messages_sent_total",
		Help: "Total number of message sends by type and outcome",
	}, []string{"message_type", "outcome"})

	// ChangesReceived counts realtime changes delivered to sessions.
	ChangesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_realtime_changes_total",
		Help: "Total realtime changes received by table and operation",
	}, []string{"table", "op"})

	// ChangesDropped counts realtime changes a session discarded.
	ChangesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_realtime_changes_dropped_total",
		Help: "Total realtime changes dropped by reason",
	}, []string{"reason"})

	// RealtimeResyncs counts resubscriptions that forced a refresh.
	RealtimeResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrolink_realtime_resyncs_total",
		Help: "Total number of realtime resyncs after reconnect",
	})

	// ActiveSessions is the gauge of live messaging sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrolink_sessions_active",
		Help: "Number of active messaging sessions",
	})

	// ActiveWebSockets is the gauge of open update sockets.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrolink_websockets_active",
		Help: "Number of open session update sockets",
	})

	// PresenceAnnouncements counts presence writes by state.
	PresenceAnnouncements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_presence_announcements_total",
		Help: "Total presence announcements by state",
	}, []string{"state"})

	// NotificationsDispatched counts notification outcomes by kind.
	NotificationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_notifications_total",
		Help: "Total notifications by kind and outcome",
	}, []string{"kind", "outcome"})

	// DatabaseQueries counts failed and slow SQL statements by verb.
	DatabaseQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_database_queries_flagged_total",
		Help: "Total number of failed or slow database queries by statement",
	}, []string{"statement", "kind"})

	// UpdateBackpressureDrops counts session updates dropped because a consumer was slow.
	UpdateBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_update_backpressure_drops_total",
		Help: "Total number of session updates dropped due to backpressure",
	}, []string{"kind"})
)

// TrackBackendCall returns a function that records call latency when called (e.g. defer).
func TrackBackendCall(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		BackendCallLatency.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}
}
