package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Match metrics
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_sessions_created_total",
		Help: "The total number of sessions created, by mode.",
	}, []string{"mode"})
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_joins_total",
		Help: "The total number of join attempts, by result.",
	}, []string{"result"})
	Moves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_moves_total",
		Help: "The total number of move attempts, by result.",
	}, []string{"result"})
	MoveConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "match_write_conflicts_total",
		Help: "The total number of optimistic write conflicts that forced a retry.",
	})

	// Finalization metrics
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_finalizations_total",
		Help: "The total number of finalization runs, by result.",
	}, []string{"result"})

	// Bot metrics
	BotMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_bot_moves_total",
		Help: "The total number of scheduled bot turns, by result.",
	}, []string{"result"})

	// Leader election metrics
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leader_is_leader",
		Help: "1 while this replica holds the leader lock.",
	})
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leader_transitions_total",
		Help: "The total number of leadership state transitions, by new state.",
	}, []string{"state"})
	InboundUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_updates_total",
		Help: "The total number of inbound stream updates handled, by source.",
	}, []string{"source"})

	// WebSocket metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcast_dropped_total",
		Help: "The total number of room deliveries dropped for slow or stale clients.",
	})

	// Broker metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
