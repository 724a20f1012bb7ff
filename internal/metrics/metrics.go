package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Autonomy service metrics for production monitoring
var (
	// Autonomy metrics
	AutonomyOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_autonomy_outcomes_total",
			Help: "Total number of action outcomes recorded",
		},
		[]string{"action_type", "result"}, // result: agreed/disagreed/escalated
	)

	AutonomyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_autonomy_transitions_total",
			Help: "Total number of autonomy level transitions",
		},
		[]string{"from", "to", "triggered_by"},
	)

	AutonomyApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_autonomy_approval_decisions_total",
			Help: "Total number of approval gate decisions",
		},
		[]string{"required"},
	)

	AutonomyInvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riley_autonomy_invariant_violations_total",
			Help: "Total number of keys halted on a corrupted state",
		},
	)

	AutonomyPolicyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_autonomy_policy_reloads_total",
			Help: "Total number of autonomy policy reload attempts",
		},
		[]string{"status"},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_alerts_total",
			Help: "Total number of operator alerts raised",
		},
		[]string{"kind", "delivered"},
	)

	// Shadow metrics
	ShadowSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riley_shadow_sessions_active",
			Help: "Number of active shadow sessions",
		},
	)

	ShadowInteractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_shadow_interactions_total",
			Help: "Total number of shadow interactions by status",
		},
		[]string{"status"}, // captured/compared/rejected
	)

	ShadowAgreement = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riley_shadow_agreement",
			Help:    "Overall agreement of compared interactions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Learning metrics
	LearningPatternsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_learning_patterns_total",
			Help: "Total number of learned patterns proposed",
		},
		[]string{"category"},
	)

	// Persistence metrics
	PersistenceWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_persistence_writes_total",
			Help: "Total number of record writes",
		},
		[]string{"kind", "result"}, // result: ok/retry/failed/dropped
	)

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riley_persistence_queue_depth",
			Help: "Number of records waiting to be written",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riley_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riley_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"topic"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riley_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)
