package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration backplane.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, room, ot, conflict, queue (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (messages processed, conflicts, dead letters)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active WebSocket sessions
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket events
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitExceeded counts rejected requests per scope
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope", "key_type"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls dropped while a breaker is open
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "breaker",
		Name:      "open_drops_total",
		Help:      "Calls dropped while a circuit breaker was open",
	}, []string{"dependency"})

	// TransformsTotal counts OT transforms by outcome
	TransformsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ot",
		Name:      "transforms_total",
		Help:      "Total operational transforms applied",
	}, []string{"kind", "status"})

	// ConflictsDetected counts detected conflicts by type and severity
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Total annotation conflicts detected",
	}, []string{"type", "severity"})

	// QueueDepth tracks the number of pending messages per owner kind
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending messages in the durable queue",
	}, []string{"owner_kind"})

	// DeadLetterTotal counts messages moved to the dead-letter set
	DeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "queue",
		Name:      "dead_letter_total",
		Help:      "Messages moved to the dead-letter set",
	}, []string{"reason"})

	// NotificationsSent counts dispatched notifications by delivery path
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications dispatched by delivery path",
	}, []string{"path"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
