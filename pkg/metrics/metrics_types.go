package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every series a tier exports
type Registry struct {
	// Agent Metrics
	TierState          *prometheus.GaugeVec
	MessagesTotal      *prometheus.CounterVec
	PendingEvents      *prometheus.GaugeVec
	PendingDropsTotal  *prometheus.CounterVec
	GraphRequestsTotal *prometheus.CounterVec

	// Graph Metrics
	GraphPushesTotal *prometheus.CounterVec
	GraphNodes       *prometheus.GaugeVec
	GraphRevision    *prometheus.GaugeVec
	SlicesPublished  *prometheus.CounterVec
	SnapshotUploads  *prometheus.CounterVec

	// Rule Metrics
	RuleApplicationsTotal *prometheus.CounterVec
	EngineDuration        prometheus.Histogram
	RulesStored           *prometheus.CounterVec
	RulesDispatchedTotal  *prometheus.CounterVec

	// Escalation Metrics
	EscalationsTotal      *prometheus.CounterVec
	OracleStepsTotal      *prometheus.CounterVec
	OracleDuration        *prometheus.HistogramVec
	DecisionOutcomesTotal *prometheus.CounterVec
	RuleRejectionsTotal   *prometheus.CounterVec

	// Admin listener and process
	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
	Uptime               prometheus.GaugeFunc
	Goroutines           prometheus.GaugeFunc
	HeapBytes            prometheus.GaugeFunc

	registry *prometheus.Registry
	// serialises SetTierState so the one-hot gauge never shows two states
	mu sync.Mutex
}

// NewRegistry creates a registry of its own; tiers in one test process do
// not share series
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.initAgentMetrics()
	r.initGraphMetrics()
	r.initRuleMetrics()
	r.initEscalationMetrics()
	r.initProcessMetrics(time.Now())
	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
