package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/audit"
	"github.com/dd0wney/cluso-bigraph/pkg/auth"
	"github.com/dd0wney/cluso-bigraph/pkg/author"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/config"
	"github.com/dd0wney/cluso-bigraph/pkg/demo"
	"github.com/dd0wney/cluso-bigraph/pkg/engine"
	"github.com/dd0wney/cluso-bigraph/pkg/fsutil"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/tier"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// resetFlags restores the package flag variables after a test
func resetFlags(t *testing.T) {
	t.Helper()
	saved := []*string{&configPath, &logLevel, &logFormat, &tierID, &parentMid, &dataDir, &seedFile, &adminAddr, &brokerKind, &brokerAddr}
	values := make([]string, len(saved))
	for i, p := range saved {
		values[i] = *p
	}
	t.Cleanup(func() {
		for i, p := range saved {
			*p = values[i]
		}
	})
}

func TestEventPayload(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_500)
	data, err := eventPayload("USER_ENTERED_ROOM", "TeamRoom_A", "u1", now)
	require.NoError(t, err)

	ev, err := transport.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "USER_ENTERED_ROOM", ev.Type)
	assert.JSONEq(t, `{"type":"USER_ENTERED_ROOM","timestamp":1700000000.5,"room":"TeamRoom_A","user_id":"u1"}`, string(data))

	data, err = eventPayload("PING", "", "", now)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "room")

	_, err = eventPayload(" ", "", "", now)
	assert.Error(t, err)
}

func TestEncodeSeed(t *testing.T) {
	g := demo.Building()
	for _, name := range []string{"building.cbor", "building.JSON"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			data, err := encodeSeed(g, path)
			require.NoError(t, err)
			require.NoError(t, fsutil.WriteFileAtomic(path, data))

			back, err := bigraph.ReadGraphFile(path)
			require.NoError(t, err)
			assert.True(t, g.Equal(back))
		})
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "tierd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tier:\n  id: beta\n  data_dir: /srv/a\nbroker:\n  kind: memory\nlog:\n  level: warn\n"), 0o644))

	configPath = path
	tierID = "alpha"
	parentMid = "mid_floor_1"
	logLevel = ""

	cfg, err := loadConfig("hub")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "hub", cfg.Tier.Kind)
	assert.Equal(t, "alpha", cfg.Tier.ID)
	assert.Equal(t, "mid_floor_1", cfg.Tier.ParentMid)
	assert.Equal(t, "/srv/a", cfg.Tier.DataDir)
	assert.Equal(t, "memory", cfg.Broker.Kind)
	assert.Equal(t, "warn", cfg.Log.Level)

	logLevel = "debug"
	cfg, err = loadConfig("hub")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = loadConfig("hub")
	assert.Error(t, err)
}

func TestLoadSchema(t *testing.T) {
	s, err := loadSchema("")
	require.NoError(t, err)
	assert.Contains(t, s.Controls, "Light")

	_, err = loadSchema(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClosersRunInReverse(t *testing.T) {
	var order []int
	var c closers
	c.add(func() { order = append(order, 1) })
	c.add(func() { order = append(order, 2) })
	c.run()
	assert.Equal(t, []int{2, 1}, order)
}

// startAdmin runs an admin server until the test ends and returns its base URL
func startAdmin(t *testing.T, d adminDeps) string {
	t.Helper()
	srv, err := newAdminServer("127.0.0.1:0", d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("admin server did not start")
	}
	return "http://" + srv.Addr().String()
}

func newHubAgent(t *testing.T, b transport.Broker) *tier.Agent {
	t.Helper()
	noop := engine.Func(func(context.Context, string, string) engine.Result { return engine.Result{Outcome: engine.NoMatch} })
	agent, err := tier.NewAgent(tier.Config{Kind: tier.KindHub, ID: "alpha", DataDir: t.TempDir()}, b, tier.WithEngine(noop))
	require.NoError(t, err)
	require.NoError(t, agent.Store().Save(demo.Building()))
	return agent
}

func TestAdminServer(t *testing.T) {
	b := transport.NewMemoryBroker(8)
	agent := newHubAgent(t, b)

	base := startAdmin(t, adminDeps{
		kind:    tier.KindHub,
		agent:   agent,
		broker:  b,
		metrics: metrics.NewRegistry(),
	})

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, status)

	// Never started, so still INIT
	status, body := get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, "INIT")

	status, body = get("/graphql?query=" + "%7B%20count%20%7D")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":{"count":25}}`, body)

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "cluso_goroutines")

	resp, err := http.Post(base+"/recover", "application/json", nil)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INIT", out["state"])

	status, _ = get("/audit")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminServerGuarded(t *testing.T) {
	b := transport.NewMemoryBroker(8)
	cfg := &config.Config{Tier: config.TierConfig{ID: "alpha"}, Admin: config.AdminConfig{TokenSecret: strings.Repeat("k", 40)}}
	cfg.ApplyDefaults()
	guard, err := newGuard(cfg)
	require.NoError(t, err)
	require.NotNil(t, guard)

	base := startAdmin(t, adminDeps{
		kind:    tier.KindHub,
		agent:   newHubAgent(t, b),
		broker:  b,
		metrics: metrics.NewRegistry(),
		audit:   audit.NewMemoryLogger(10),
		guard:   guard,
	})

	viewer, err := issueToken(cfg, "bob", auth.RoleViewer, "")
	require.NoError(t, err)
	operator, err := issueToken(cfg, "alice", auth.RoleOperator, "alpha")
	require.NoError(t, err)

	do := func(method, path, token string) int {
		req, err := http.NewRequest(method, base+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/graphql?query=%7B%20count%20%7D", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/graphql?query=%7B%20count%20%7D", viewer))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/audit", viewer))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/recover", viewer))
	// operator gets through; the agent is not DEGRADED
	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/recover", operator))
}

func TestIssueToken(t *testing.T) {
	cfg := &config.Config{}
	_, err := issueToken(cfg, "alice", auth.RoleOperator, "")
	assert.Error(t, err)

	cfg.Admin.TokenSecret = strings.Repeat("k", 40)
	cfg.ApplyDefaults()
	_, err = issueToken(cfg, "alice", auth.RoleOperator, "not a tier")
	assert.Error(t, err)
	_, err = issueToken(cfg, "alice", "root", "")
	assert.ErrorIs(t, err, auth.ErrInvalidRole)

	token, err := issueToken(cfg, "alice", auth.RoleOperator, "alpha")
	require.NoError(t, err)
	tokens, err := auth.NewTokenManager(cfg.Admin.TokenSecret, cfg.Admin.TokenTTL)
	require.NoError(t, err)
	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alpha", claims.Tier)
	assert.Equal(t, config.DefaultTokenTTL, claims.ExpiresAt.Sub(claims.IssuedAt))
}

func TestAuthorOnce(t *testing.T) {
	b := transport.NewMemoryBroker(8)
	master := filepath.Join(t.TempDir(), "master.cbor")
	data, err := bigraph.EncodeGraph(demo.Building())
	require.NoError(t, err)
	require.NoError(t, fsutil.WriteFileAtomic(master, data))

	reply := `{"tool": "publish_rule_to_redis", "args": {"rule": {"name": "beta_on",
		"redex": [{"id": 301, "control": "Light"}],
		"reactum": [{"id": 301, "control": "Light", "properties": {"brightness": 70}}]}}}`
	o := oracle.Func(func(context.Context, string) (string, error) { return reply, nil })

	a, err := author.New(author.Config{MasterFile: master, Window: 50 * time.Millisecond}, b, o, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, authorOnce(context.Background(), a, "beta lights to 70", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "master: 25 nodes from 0 pushes", lines[0])
	assert.Equal(t, "published: beta: beta_on", lines[1])
}
