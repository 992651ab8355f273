package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/audit"
	"github.com/dd0wney/cluso-bigraph/pkg/auth"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/config"
	"github.com/dd0wney/cluso-bigraph/pkg/graphql"
	"github.com/dd0wney/cluso-bigraph/pkg/health"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/server"
	"github.com/dd0wney/cluso-bigraph/pkg/tier"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

const (
	brokerPingTimeout = 2 * time.Second
	defaultAuditLimit = 50
)

type adminDeps struct {
	kind    string
	agent   *tier.Agent
	broker  transport.Broker
	metrics *metrics.Registry
	audit   *audit.MemoryLogger
	auditDB *audit.PostgresStore
	guard   *auth.Guard
	logger  logging.Logger
}

// newAdminServer exposes metrics, health, a GraphQL view of the tier's
// graph and manual recovery from DEGRADED. With a guard, /graphql and
// /audit need a viewer token and /recover an operator token.
func newAdminServer(addr string, d adminDeps) (*server.GracefulServer, error) {
	state := func() string { return d.agent.State().String() }

	hc := health.NewHealthChecker()
	hc.RegisterCheck("tier_state", health.TierStateCheck(state, false))
	hc.RegisterReadinessCheck("tier_state", health.TierStateCheck(state, true))
	hc.RegisterReadinessCheck("broker", health.BrokerCheck(d.broker.Ping, brokerPingTimeout))
	hc.RegisterReadinessCheck("graph", health.GraphCheck(d.agent.GraphStats, 0))
	if d.kind == config.KindHub {
		hc.RegisterReadinessCheck("pending_events", health.PendingCheck(d.agent.PendingStats))
	}
	if d.auditDB != nil {
		hc.RegisterReadinessCheck("audit_db", health.PingCheck("audit_db", d.auditDB.Ping, brokerPingTimeout))
	}

	exec, err := graphql.NewExecutor(func() bigraph.Bigraph {
		g, _ := d.agent.Store().Snapshot()
		return g
	}, nil, graphql.DefaultMaxDepth)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", hc.HTTPHandler())
	mux.HandleFunc("/readyz", hc.ReadinessHandler())
	mux.Handle("/graphql", d.guard.Require(auth.RoleViewer, graphql.NewGraphQLHandler(exec)))
	mux.Handle("POST /recover", d.guard.Require(auth.RoleOperator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := d.agent.Recover(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "state": state()})
			return
		}
		if c, ok := auth.ClaimsFromContext(r.Context()); ok {
			d.logger.Info("recovered by operator", logging.String("subject", c.Subject))
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": state()})
	})))
	if d.audit != nil {
		mux.Handle("GET /audit", d.guard.Require(auth.RoleViewer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := defaultAuditLimit
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			writeJSON(w, http.StatusOK, d.audit.Recent(limit))
		})))
	}

	return server.NewGracefulServer(addr, d.metrics.Middleware(mux), d.logger), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
