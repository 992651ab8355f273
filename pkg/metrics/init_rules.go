package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initRuleMetrics() {
	r.RuleApplicationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_rule_applications_total",
			Help: "Rule engine runs by outcome",
		},
		[]string{"outcome"}, // matched, no_match, engine_error
	)

	r.EngineDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluso_engine_duration_seconds",
			Help:    "Rule engine run latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		},
	)

	r.RulesStored = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_rules_stored_total",
			Help: "Rules written to a tier's rule directory",
		},
		[]string{"tier"},
	)

	r.RulesDispatchedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_rules_dispatched_total",
			Help: "Rules published downward",
		},
		[]string{"tier", "route"}, // hub, mid
	)
}
