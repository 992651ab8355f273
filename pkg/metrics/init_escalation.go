package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEscalationMetrics() {
	r.EscalationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_escalations_total",
			Help: "Escalations sent to the parent tier by reason",
		},
		[]string{"tier", "reason"},
	)

	r.OracleStepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_oracle_steps_total",
			Help: "Decision loop steps by chosen action",
		},
		[]string{"tier", "action"},
	)

	r.OracleDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_oracle_duration_seconds",
			Help:    "Decision oracle latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tier"},
	)

	r.DecisionOutcomesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_decision_outcomes_total",
			Help: "Decision loop outcomes",
		},
		[]string{"tier", "outcome"}, // noop, escalate, published, budget_exhausted
	)

	r.RuleRejectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_rule_rejections_total",
			Help: "Proposed rules rejected before dispatch",
		},
		[]string{"tier", "cause"}, // parse, schema, scope, escalate_invariant
	)
}
