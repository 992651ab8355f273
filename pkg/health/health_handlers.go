package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// HTTPHandler serves liveness. Degraded is still 200; only unhealthy
// fails the probe.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return serve(hc.Check)
}

// ReadinessHandler serves readiness with the same status mapping
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return serve(hc.CheckReadiness)
}

func serve(run func(context.Context) Report) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := run(r.Context())

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
