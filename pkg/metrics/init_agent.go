package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAgentMetrics() {
	r.TierState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_tier_state",
			Help: "1 for the agent's current state, 0 otherwise",
		},
		[]string{"tier", "state"},
	)

	r.MessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_messages_total",
			Help: "Total number of messages processed by kind",
		},
		[]string{"tier", "kind"}, // event, graph, rules, request, rules_out
	)

	r.PendingEvents = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_pending_events",
			Help: "Events buffered while waiting for a graph",
		},
		[]string{"tier"},
	)

	r.PendingDropsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_pending_drops_total",
			Help: "Buffered events dropped because the pending buffer was full",
		},
		[]string{"tier"},
	)

	r.GraphRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_graph_requests_total",
			Help: "Graph requests sent or served",
		},
		[]string{"tier", "direction"}, // sent, served
	)
}
