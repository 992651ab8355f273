package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Agent states, mirrored here so the gauge can be reset without importing
// the tier package
var tierStates = []string{"INIT", "AWAITING_GRAPH", "READY", "PROCESSING", "DEGRADED"}

// RecordAdminRequest counts one admin request under its route pattern
func (r *Registry) RecordAdminRequest(method, route string, status int, duration time.Duration) {
	r.AdminRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.AdminRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetTierState marks state as the tier's current state
func (r *Registry) SetTierState(tier, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range tierStates {
		r.TierState.WithLabelValues(tier, s).Set(0)
	}
	r.TierState.WithLabelValues(tier, state).Set(1)
}

// RecordMessage counts one processed message
func (r *Registry) RecordMessage(tier, kind string) {
	r.MessagesTotal.WithLabelValues(tier, kind).Inc()
}

// RecordGraphPush counts a graph push by result
func (r *Registry) RecordGraphPush(tier, result string) {
	r.GraphPushesTotal.WithLabelValues(tier, result).Inc()
}

// UpdateGraph records the size and revision of the canonical graph
func (r *Registry) UpdateGraph(tier string, nodes int, revTS int64) {
	r.GraphNodes.WithLabelValues(tier).Set(float64(nodes))
	if revTS > 0 {
		r.GraphRevision.WithLabelValues(tier).Set(float64(revTS))
	}
}

// RecordRuleApplication records one rule engine run
func (r *Registry) RecordRuleApplication(outcome string, duration time.Duration) {
	r.RuleApplicationsTotal.WithLabelValues(outcome).Inc()
	r.EngineDuration.Observe(duration.Seconds())
}

// RecordEscalation counts an escalation sent upward
func (r *Registry) RecordEscalation(tier, reason string) {
	r.EscalationsTotal.WithLabelValues(tier, reason).Inc()
}

// RecordOracleStep records one decision loop step
func (r *Registry) RecordOracleStep(tier, action string, duration time.Duration) {
	r.OracleStepsTotal.WithLabelValues(tier, action).Inc()
	r.OracleDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordDecision counts a decision loop outcome
func (r *Registry) RecordDecision(tier, outcome string) {
	r.DecisionOutcomesTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordRejection counts a proposed rule rejected before dispatch
func (r *Registry) RecordRejection(tier, cause string) {
	r.RuleRejectionsTotal.WithLabelValues(tier, cause).Inc()
}

// RecordDispatch counts rules published downward
func (r *Registry) RecordDispatch(tier, route string, n int) {
	r.RulesDispatchedTotal.WithLabelValues(tier, route).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
