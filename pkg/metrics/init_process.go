package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initProcessMetrics registers the admin listener and Go runtime series.
// Runtime gauges are read at scrape time.
func (r *Registry) initProcessMetrics(start time.Time) {
	f := promauto.With(r.registry)

	r.AdminRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_admin_requests_total",
			Help: "Admin listener requests by route pattern and status",
		},
		[]string{"method", "route", "status"},
	)
	r.AdminRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_admin_request_duration_seconds",
			Help:    "Admin listener latency",
			Buckets: []float64{.001, .005, .025, .1, .5, 2},
		},
		[]string{"method", "route"},
	)

	r.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cluso_uptime_seconds",
		Help: "Seconds since the tier process started",
	}, func() float64 { return time.Since(start).Seconds() })

	r.Goroutines = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cluso_goroutines",
		Help: "Live goroutines",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	r.HeapBytes = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cluso_heap_alloc_bytes",
		Help: "Bytes of allocated heap objects",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.HeapAlloc)
	})
}
