package tier

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

const (
	entered = `{"type":"USER_ENTERED_ROOM","user":"u1"}`
	left    = `{"type":"USER_LEFT_ROOM","user":"u1"}`
)

func dimOnMotion(name string) bigraph.Rule {
	pir := func(motion bool) bigraph.Node {
		return bigraph.Node{ID: 203, Control: "PIR", Parent: bigraph.NoParent,
			Properties: map[string]bigraph.Value{"motion_detected": bigraph.BoolValue(motion)}}
	}
	light := func(props map[string]bigraph.Value) bigraph.Node {
		return bigraph.Node{ID: 201, Control: "Light", Parent: bigraph.NoParent, Properties: props}
	}
	return bigraph.Rule{
		Name:    name,
		Redex:   bigraph.Bigraph{Nodes: []bigraph.Node{pir(true), light(nil)}},
		Reactum: bigraph.Bigraph{Nodes: []bigraph.Node{pir(true), light(map[string]bigraph.Value{"brightness": bigraph.IntValue(40)})}},
		Target:  "alpha",
	}
}

func storeRule(t *testing.T, a *Agent, r bigraph.Rule) {
	t.Helper()
	data, err := bigraph.EncodeRule(r)
	require.NoError(t, err)
	a.onRule(context.Background(), data)
}

func TestNewAgentValidation(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	dir := t.TempDir()

	_, err := NewAgent(Config{Kind: "edge", ID: "x", DataDir: dir}, b)
	assert.Error(t, err)
	_, err = NewAgent(Config{Kind: KindHub, ID: "bad id!", DataDir: dir}, b)
	assert.Error(t, err)
	_, err = NewAgent(Config{Kind: KindHub, ID: "alpha", DataDir: dir}, b)
	assert.ErrorContains(t, err, "rule engine")
	_, err = NewAgent(Config{Kind: KindMid, ID: "m1", DataDir: dir}, b)
	assert.ErrorContains(t, err, "oracle")
	_, err = NewAgent(Config{Kind: KindCloud, ID: "building", DataDir: dir}, nil, WithOracle(always("")))
	assert.Error(t, err)
}

func TestAgentChannels(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	hub := newTestAgent(t, b, KindHub, "alpha")
	assert.ElementsMatch(t, []string{"iot:events:alpha", "hub:alpha:rules", "hub:alpha:graph"}, hub.Channels())

	mid := newTestAgent(t, b, KindMid, "mid_floor_1")
	assert.ElementsMatch(t, []string{
		"mid:mid_floor_1:graph", "mid:mid_floor_1:requests",
		"mid:mid_floor_1:rules_out", "mid:mid_floor_1:rules",
	}, mid.Channels())

	cloud := newTestAgent(t, b, KindCloud, "building")
	assert.Equal(t, []string{transport.BuildingRequests}, cloud.Channels())
}

func TestGraphPushStaleness(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	a := newTestAgent(t, transport.NewMemoryBroker(0), KindHub, "alpha", WithMetrics(reg))

	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	assert.Equal(t, StateReady, a.State())

	a.onGraph(ctx, encode(t, slice(t, 200, 50)))
	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	a.onGraph(ctx, []byte("garbage"))

	g, err := a.Store().Load()
	require.NoError(t, err)
	rev, ok := partition.RevisionOf(g)
	require.True(t, ok)
	assert.Equal(t, int64(100), rev.TS)

	assert.Equal(t, 1.0, counterValue(t, reg.GraphPushesTotal.WithLabelValues("hub", "accepted")))
	assert.Equal(t, 2.0, counterValue(t, reg.GraphPushesTotal.WithLabelValues("hub", "stale")))
	assert.Equal(t, 1.0, counterValue(t, reg.GraphPushesTotal.WithLabelValues("hub", "invalid")))

	a.onGraph(ctx, encode(t, slice(t, 200, 101)))
	g, err = a.Store().Load()
	require.NoError(t, err)
	rev, _ = partition.RevisionOf(g)
	assert.Equal(t, int64(101), rev.TS)
}

func TestHubBuffersUntilGraph(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	reg := metrics.NewRegistry()
	a := newTestAgentWith(t, b, Config{Kind: KindHub, ID: "alpha", ParentMid: "mid_floor_1", DataDir: t.TempDir()},
		WithMetrics(reg))
	requests := subscribe(t, b, transport.MidRequestsChannel("mid_floor_1"))

	a.onEvent(ctx, []byte(entered))
	assert.Equal(t, StateAwaitingGraph, a.State())

	req, err := transport.DecodeRequest(receive(t, requests).Payload)
	require.NoError(t, err)
	gr, ok := req.(*transport.GraphRequest)
	require.True(t, ok)
	assert.Equal(t, "alpha", gr.HubID)

	a.onEvent(ctx, []byte(`{"type":"DOOR_OPENED"}`))
	requireQuiet(t, requests)
	size, _ := a.PendingStats()
	assert.Equal(t, 2, size)
	assert.Equal(t, 1.0, counterValue(t, reg.GraphRequestsTotal.WithLabelValues("hub", "sent")))

	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	assert.Equal(t, StateReady, a.State())
	size, _ = a.PendingStats()
	assert.Zero(t, size)

	// no rules are stored, so both replayed events go up in order
	first := escalationOf(t, receive(t, requests))
	assert.Equal(t, ReasonNoStoredRules, first.Reason)
	assert.Equal(t, "alpha", first.HubID)
	assert.JSONEq(t, entered, string(first.Event))
	assert.NotEmpty(t, first.Graph)
	assert.Equal(t, a.Store().Path(), first.GraphFile)
	assert.NotEmpty(t, first.RequestID)

	second := escalationOf(t, receive(t, requests))
	assert.JSONEq(t, `{"type":"DOOR_OPENED"}`, string(second.Event))

	g, err := a.Store().Load()
	require.NoError(t, err)
	assert.True(t, nodeProp(t, g, 203, "motion_detected").Equal(bigraph.BoolValue(true)))
}

func TestHubPendingOverflow(t *testing.T) {
	reg := metrics.NewRegistry()
	a := newTestAgentWith(t, transport.NewMemoryBroker(0),
		Config{Kind: KindHub, ID: "alpha", DataDir: t.TempDir(), PendingSize: 2}, WithMetrics(reg))

	for range 3 {
		a.onEvent(context.Background(), []byte(entered))
	}
	size, capacity := a.PendingStats()
	assert.Equal(t, 2, size)
	assert.Equal(t, 2, capacity)
	assert.Equal(t, 1.0, counterValue(t, reg.PendingDropsTotal.WithLabelValues("hub")))
}

func TestHubAppliesStoredRule(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindHub, "alpha")
	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	storeRule(t, a, dimOnMotion("dim_on_motion"))
	assert.Equal(t, 1, a.rules.Len())

	up := subscribe(t, b, transport.BuildingRequests)

	a.onEvent(ctx, []byte(entered))
	requireQuiet(t, up)
	assert.Equal(t, StateReady, a.State())

	g, err := a.Store().Load()
	require.NoError(t, err)
	assert.True(t, nodeProp(t, g, 201, "brightness").Equal(bigraph.IntValue(40)))
	rev, _ := partition.RevisionOf(g)
	assert.Greater(t, rev.TS, int64(100))
	assert.Equal(t, "alpha", rev.By)

	// leaving clears the motion flag, so the rule no longer matches
	a.onEvent(ctx, []byte(left))
	esc := escalationOf(t, receive(t, up))
	assert.Equal(t, ReasonNoMatchedRules, esc.Reason)
}

func TestHubEscalateMarkerRule(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindHub, "alpha")
	a.onGraph(ctx, encode(t, slice(t, 200, 100)))

	marker := dimOnMotion(bigraph.EscalatePrefix + "occupied")
	marker.Reactum = marker.Redex.Clone()
	storeRule(t, a, marker)

	up := subscribe(t, b, transport.BuildingRequests)
	a.onEvent(ctx, []byte(entered))
	assert.Equal(t, ReasonRuleRequested, escalationOf(t, receive(t, up)).Reason)
}

func TestHubIgnoresInvalidInput(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, transport.NewMemoryBroker(0), KindHub, "alpha")

	a.onEvent(ctx, []byte(`[1,2]`))
	a.onRule(ctx, []byte("not a rule"))

	size, _ := a.PendingStats()
	assert.Zero(t, size)
	assert.Zero(t, a.rules.Len())
	assert.Equal(t, StateInit, a.State())
}

func TestHubDegraded(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindHub, "alpha")
	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	up := subscribe(t, b, transport.BuildingRequests)

	require.NoError(t, os.WriteFile(a.Store().Path(), []byte("corrupt"), 0o644))
	a.onEvent(ctx, []byte(entered))
	assert.Equal(t, StateDegraded, a.State())
	esc := escalationOf(t, receive(t, up))
	assert.True(t, strings.HasPrefix(esc.Reason, ReasonMidException+":load graph"), esc.Reason)

	// further events skip local processing
	a.onEvent(ctx, []byte(left))
	esc = escalationOf(t, receive(t, up))
	assert.Equal(t, ReasonMidException+":"+a.DegradedDetail(), esc.Reason)

	a.onGraph(ctx, encode(t, slice(t, 200, 200)))
	assert.Equal(t, StateDegraded, a.State())

	require.NoError(t, a.Recover())
	assert.Equal(t, StateReady, a.State())
	assert.Empty(t, a.DegradedDetail())
	assert.ErrorIs(t, a.Recover(), ErrNotDegraded)
}

// A hub restarting with a graph on disk keeps it and asks its mid for
// nothing; a reply would overwrite locally applied rules.
func TestHubStartupWithStoredGraph(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := transport.NewMemoryBroker(0)
	reg := metrics.NewRegistry()
	a := newTestAgentWith(t, b, Config{Kind: KindHub, ID: "alpha", ParentMid: "mid_floor_1", DataDir: t.TempDir()},
		WithMetrics(reg))
	g := slice(t, 200, 100)
	for i := range g.Nodes {
		if g.Nodes[i].ID == 201 {
			g.Nodes[i].SetProp("brightness", bigraph.IntValue(40))
		}
	}
	require.NoError(t, a.Store().Save(g))
	requests := subscribe(t, b, transport.MidRequestsChannel("mid_floor_1"))

	start(t, ctx, cancel, a)
	assert.Equal(t, StateReady, a.State())
	requireQuiet(t, requests)
	assert.Zero(t, counterValue(t, reg.GraphRequestsTotal.WithLabelValues("hub", "sent")))

	stored, err := a.Store().Load()
	require.NoError(t, err)
	assert.True(t, nodeProp(t, stored, 201, "brightness").Equal(bigraph.IntValue(40)))
}

func TestHubStartupWithoutGraph(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := transport.NewMemoryBroker(0)
	a := newTestAgentWith(t, b, Config{Kind: KindHub, ID: "alpha", ParentMid: "mid_floor_1", DataDir: t.TempDir()})
	requests := subscribe(t, b, transport.MidRequestsChannel("mid_floor_1"))

	start(t, ctx, cancel, a)
	assert.Equal(t, StateAwaitingGraph, a.State())
	req, err := transport.DecodeRequest(receive(t, requests).Payload)
	require.NoError(t, err)
	gr, ok := req.(*transport.GraphRequest)
	require.True(t, ok)
	assert.Equal(t, "alpha", gr.HubID)
}

func TestHubRuleDirectoryUnreadable(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindHub, "alpha")
	a.onGraph(ctx, encode(t, slice(t, 200, 100)))
	up := subscribe(t, b, transport.BuildingRequests)

	dir := a.rules.Dir()
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))

	a.onEvent(ctx, []byte(entered))
	assert.Equal(t, StateDegraded, a.State())
	assert.True(t, strings.HasPrefix(a.DegradedDetail(), "list rules:"), a.DegradedDetail())
	esc := escalationOf(t, receive(t, up))
	assert.Equal(t, ReasonMidException+":"+a.DegradedDetail(), esc.Reason)
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "mid_exception", reasonLabel("mid_exception:disk full"))
	assert.Equal(t, "no_stored_rules", reasonLabel("no_stored_rules"))
}
