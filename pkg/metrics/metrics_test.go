package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Metric) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.TierState == nil {
		t.Error("TierState not initialized")
	}
	if r.EscalationsTotal == nil {
		t.Error("EscalationsTotal not initialized")
	}
	if r.EngineDuration == nil {
		t.Error("EngineDuration not initialized")
	}
	if r.AdminRequestsTotal == nil {
		t.Error("AdminRequestsTotal not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestRecordAdminRequest(t *testing.T) {
	r := NewRegistry()

	r.RecordAdminRequest("GET", "/healthz", 200, 100*time.Millisecond)
	r.RecordAdminRequest("GET", "/healthz", 503, 50*time.Millisecond)
	r.RecordAdminRequest("POST", "POST /recover", 409, 2*time.Millisecond)

	if got := counterValue(t, r.AdminRequestsTotal.WithLabelValues("GET", "/healthz", "200")); got != 1 {
		t.Errorf("healthz 200 = %v, want 1", got)
	}
	if got := counterValue(t, r.AdminRequestsTotal.WithLabelValues("POST", "POST /recover", "409")); got != 1 {
		t.Errorf("recover 409 = %v, want 1", got)
	}
}

func TestSetTierState(t *testing.T) {
	r := NewRegistry()

	r.SetTierState("hub", "AWAITING_GRAPH")
	r.SetTierState("hub", "READY")

	if got := gaugeValue(t, r.TierState.WithLabelValues("hub", "READY")); got != 1 {
		t.Errorf("READY = %v, want 1", got)
	}
	if got := gaugeValue(t, r.TierState.WithLabelValues("hub", "AWAITING_GRAPH")); got != 0 {
		t.Errorf("AWAITING_GRAPH = %v, want 0", got)
	}
	if got := gaugeValue(t, r.TierState.WithLabelValues("mid", "READY")); got != 0 {
		t.Errorf("other tier READY = %v, want 0", got)
	}
}

func TestEscalationMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordEscalation("hub", "no_stored_rules")
	r.RecordEscalation("hub", "no_stored_rules")
	r.RecordEscalation("mid", "budget_exhausted")
	r.RecordOracleStep("mid", "publish_rule_to_redis", 30*time.Millisecond)
	r.RecordDecision("mid", "published")
	r.RecordRejection("mid", "scope")
	r.RecordDispatch("cloud", "via_mid", 3)

	checks := []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"hub escalations", r.EscalationsTotal.WithLabelValues("hub", "no_stored_rules"), 2},
		{"mid escalations", r.EscalationsTotal.WithLabelValues("mid", "budget_exhausted"), 1},
		{"oracle steps", r.OracleStepsTotal.WithLabelValues("mid", "publish_rule_to_redis"), 1},
		{"decisions", r.DecisionOutcomesTotal.WithLabelValues("mid", "published"), 1},
		{"rejections", r.RuleRejectionsTotal.WithLabelValues("mid", "scope"), 1},
		{"dispatched", r.RulesDispatchedTotal.WithLabelValues("cloud", "via_mid"), 3},
	}
	for _, c := range checks {
		if got := counterValue(t, c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestGraphMetrics(t *testing.T) {
	r := NewRegistry()

	r.UpdateGraph("mid", 25, 1700000000123)
	r.UpdateGraph("mid", 26, 0)
	r.RecordGraphPush("mid", "accepted")

	if got := gaugeValue(t, r.GraphNodes.WithLabelValues("mid")); got != 26 {
		t.Errorf("GraphNodes = %v, want 26", got)
	}
	// A zero revision leaves the last known one in place
	if got := gaugeValue(t, r.GraphRevision.WithLabelValues("mid")); got != 1700000000123 {
		t.Errorf("GraphRevision = %v, want 1700000000123", got)
	}
	if got := counterValue(t, r.GraphPushesTotal.WithLabelValues("mid", "accepted")); got != 1 {
		t.Errorf("GraphPushesTotal = %v, want 1", got)
	}
}

func TestRecordRuleApplication(t *testing.T) {
	r := NewRegistry()

	r.RecordRuleApplication("applied", 10*time.Millisecond)
	r.RecordRuleApplication("no_match", 20*time.Millisecond)

	var metric dto.Metric
	if err := r.EngineDuration.Write(&metric); err != nil {
		t.Fatalf("Failed to write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("Histogram sample count = %v, want 2", metric.Histogram.GetSampleCount())
	}
}

func TestProcessMetrics(t *testing.T) {
	r := NewRegistry()

	if got := gaugeValue(t, r.Goroutines); got < 1 {
		t.Errorf("Goroutines = %v, want >= 1", got)
	}
	if got := gaugeValue(t, r.HeapBytes); got <= 0 {
		t.Errorf("HeapBytes = %v, want > 0", got)
	}
	if got := gaugeValue(t, r.Uptime); got < 0 {
		t.Errorf("Uptime = %v, want >= 0", got)
	}
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	r := NewRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /nodes/{id}", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /recover", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusOK) // superfluous; the first status counts
	})
	h := r.Middleware(mux)

	for _, target := range []string{"/nodes/201", "/nodes/301", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/recover", nil))

	checks := []struct {
		labels []string
		want   float64
	}{
		{[]string{"GET", "GET /nodes/{id}", "200"}, 2},
		{[]string{"GET", unmatchedRoute, "404"}, 1},
		{[]string{"POST", "POST /recover", "409"}, 1},
	}
	for _, c := range checks {
		if got := counterValue(t, r.AdminRequestsTotal.WithLabelValues(c.labels...)); got != c.want {
			t.Errorf("%v = %v, want %v", c.labels, got, c.want)
		}
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordEscalation("hub", "no_matched_rules")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `cluso_escalations_total{reason="no_matched_rules",tier="hub"} 1`) {
		t.Errorf("exposition missing escalation counter:\n%s", body)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordMessage("hub", "event")
				r.SetTierState("hub", "READY")
			}
		}()
	}
	wg.Wait()

	if got := counterValue(t, r.MessagesTotal.WithLabelValues("hub", "event")); got != 1000 {
		t.Errorf("MessagesTotal = %v, want 1000", got)
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	r.RecordMessage("hub", "event")

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cluso_") {
			t.Errorf("metric %s missing cluso_ prefix", mf.GetName())
		}
	}
}

func BenchmarkRecordEscalation(b *testing.B) {
	r := NewRegistry()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordEscalation("hub", "no_matched_rules")
	}
}
