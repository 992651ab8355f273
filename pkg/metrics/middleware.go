package metrics

import (
	"net/http"
	"time"
)

// unmatchedRoute labels requests no mux pattern claimed
const unmatchedRoute = "unmatched"

// Middleware records admin requests. It must wrap an http.ServeMux so
// the matched pattern is known once the handler returns.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		route := req.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		r.RecordAdminRequest(req.Method, route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
