package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initGraphMetrics() {
	r.GraphPushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_graph_pushes_total",
			Help: "Graph pushes received by result",
		},
		[]string{"tier", "result"}, // accepted, stale, invalid
	)

	r.GraphNodes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_graph_nodes",
			Help: "Nodes in the tier's canonical graph",
		},
		[]string{"tier"},
	)

	r.GraphRevision = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_graph_revision_ms",
			Help: "rev_ts of the tier's root node",
		},
		[]string{"tier"},
	)

	r.SlicesPublished = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_slices_published_total",
			Help: "Graph slices pushed to child tiers",
		},
		[]string{"tier"},
	)

	r.SnapshotUploads = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_snapshot_uploads_total",
			Help: "Master graph snapshot uploads by status",
		},
		[]string{"status"},
	)
}
