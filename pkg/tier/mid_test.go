package tier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

const midID = "mid_floor_1"

const publishDim = `{"tool": "publish_rule_to_redis", "args": {"rule": {
	"name": "dim_on_motion",
	"redex": [{"control": "PIR", "id": 203, "properties": {"motion_detected": true}}, {"control": "Light", "id": 201}],
	"reactum": [{"control": "PIR", "id": 203, "properties": {"motion_detected": true}}, {"control": "Light", "id": 201, "properties": {"brightness": 40}}]
}}}`

func ids(g bigraph.Bigraph) map[int]struct{} {
	return g.IDs()
}

func readyMid(t *testing.T, b transport.Broker, opts ...Option) *Agent {
	t.Helper()
	a := newTestAgent(t, b, KindMid, midID, opts...)
	a.onGraph(context.Background(), encode(t, slice(t, 10, 100)))
	require.Equal(t, StateReady, a.State())
	return a
}

func escalationPayload(t *testing.T, child bigraph.Bigraph) []byte {
	t.Helper()
	req := transport.NewEscalationRequest("alpha", "", ReasonNoStoredRules, []byte(entered))
	req.RequestID = "req-1"
	req.Graph = encode(t, child)
	data, err := transport.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestMidFanOut(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	sub := subscribe(t, b,
		transport.HubGraphChannel("exec"), transport.HubGraphChannel("alpha"), transport.HubGraphChannel("beta"))
	readyMid(t, b)

	slices := make(map[string]bigraph.Bigraph)
	var revs []int64
	for range 3 {
		msg := receive(t, sub)
		g, err := bigraph.ParseGraph(msg.Payload)
		require.NoError(t, err)
		slices[transport.ChannelOwner(msg.Channel)] = g

		rev, ok := partition.RevisionOf(g)
		require.True(t, ok)
		assert.Equal(t, midID, rev.By)
		revs = append(revs, rev.TS)
	}

	assert.Equal(t, map[int]struct{}{100: {}, 9110: {}, 101: {}, 102: {}, 103: {}, 104: {}, 107: {}}, ids(slices["exec"]))
	assert.Equal(t, map[int]struct{}{200: {}, 201: {}, 202: {}, 203: {}, 204: {}}, ids(slices["alpha"]))
	assert.Len(t, slices["beta"].Nodes, 5)
	for id := range ids(slices["exec"]) {
		assert.NotContains(t, ids(slices["alpha"]), id)
		assert.NotContains(t, ids(slices["beta"]), id)
	}
	for id := range ids(slices["alpha"]) {
		assert.NotContains(t, ids(slices["beta"]), id)
	}
	assert.NotEqual(t, revs[0], revs[1])
	assert.NotEqual(t, revs[1], revs[2])
}

func TestMidServesHubRequest(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := readyMid(t, b)
	sub := subscribe(t, b, transport.HubGraphChannel("alpha"))

	payload, err := transport.Marshal(transport.NewGraphRequest("alpha", "", "init"))
	require.NoError(t, err)
	a.onRequest(ctx, payload)

	g, err := bigraph.ParseGraph(receive(t, sub).Payload)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 5)

	payload, err = transport.Marshal(transport.NewGraphRequest("zeta", "", "init"))
	require.NoError(t, err)
	a.onRequest(ctx, payload)
	requireQuiet(t, sub)
}

func TestMidWithoutRegionRequestsIt(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindMid, midID)
	up := subscribe(t, b, transport.BuildingRequests)

	payload, err := transport.Marshal(transport.NewGraphRequest("alpha", "", "init"))
	require.NoError(t, err)
	a.onRequest(context.Background(), payload)

	req, err := transport.DecodeRequest(receive(t, up).Payload)
	require.NoError(t, err)
	gr, ok := req.(*transport.GraphRequest)
	require.True(t, ok)
	assert.Equal(t, midID, gr.MidID)
	assert.Empty(t, gr.HubID)
}

func TestMidEscalatesUnresolved(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := readyMid(t, b, WithOracle(always(`{"tool": "escalate"}`)))
	up := subscribe(t, b, transport.BuildingRequests)

	child := slice(t, 200, 500)
	for i := range child.Nodes {
		if child.Nodes[i].ID == 203 {
			child.Nodes[i].SetProp("motion_detected", bigraph.BoolValue(true))
		}
	}
	a.onRequest(context.Background(), escalationPayload(t, child))

	esc := escalationOf(t, receive(t, up))
	assert.Equal(t, "alpha", esc.HubID)
	assert.Equal(t, midID, esc.MidID)
	assert.Equal(t, ReasonNoStoredRules, esc.Reason)
	assert.Equal(t, "req-1", esc.RequestID)
	assert.Equal(t, a.Store().Path(), esc.RegionGraphFile)
	assert.NotEmpty(t, esc.Graph)
	assert.Equal(t, StateReady, a.State())

	region, err := a.Store().Load()
	require.NoError(t, err)
	assert.Len(t, region.Nodes, 19)
	assert.True(t, nodeProp(t, region, 203, "motion_detected").Equal(bigraph.BoolValue(true)))
	room, ok := region.Find(200)
	require.True(t, ok)
	assert.Equal(t, 10, room.Parent)
}

func TestMidPublishesRuleToHub(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	archive := &recordingArchive{}
	a := readyMid(t, b, WithOracle(replies(publishDim)), WithArchive(archive))
	rulesCh := subscribe(t, b, transport.HubRulesChannel("alpha"))
	up := subscribe(t, b, transport.BuildingRequests)

	a.onRequest(context.Background(), escalationPayload(t, slice(t, 200, 500)))

	r, err := bigraph.DecodeRule(receive(t, rulesCh).Payload)
	require.NoError(t, err)
	assert.Equal(t, "dim_on_motion", r.Name)
	assert.Equal(t, "alpha", r.Target)
	assert.Equal(t, []string{"dim_on_motion"}, archive.Names())
	requireQuiet(t, up)
}

func TestMidBudgetExhausted(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := readyMid(t, b, WithOracle(always(`{"tool": "query_state"}`)))
	up := subscribe(t, b, transport.BuildingRequests)

	a.onRequest(context.Background(), escalationPayload(t, slice(t, 200, 500)))
	assert.Equal(t, ReasonBudget, escalationOf(t, receive(t, up)).Reason)
}

func TestMidDegradedPassesEscalationsUp(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	calls := 0
	a := readyMid(t, b, WithOracle(oracleCounting(&calls)))
	up := subscribe(t, b, transport.BuildingRequests)

	a.degrade("disk full")
	a.onRequest(context.Background(), escalationPayload(t, slice(t, 200, 500)))

	esc := escalationOf(t, receive(t, up))
	assert.Equal(t, ReasonMidException+":disk full", esc.Reason)
	assert.Equal(t, "req-1", esc.RequestID)
	assert.Zero(t, calls)
}

func TestMidWithoutRegionPassesEscalationUp(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindMid, midID)
	up := subscribe(t, b, transport.BuildingRequests)

	a.onRequest(context.Background(), escalationPayload(t, slice(t, 200, 500)))

	esc := escalationOf(t, receive(t, up))
	assert.Equal(t, ReasonNoStoredRules, esc.Reason)
	req, err := transport.DecodeRequest(receive(t, up).Payload)
	require.NoError(t, err)
	assert.IsType(t, &transport.GraphRequest{}, req)

	_, err = a.Store().Load()
	assert.ErrorIs(t, err, ErrNoGraph)
}

func TestMidForwardsRules(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	archive := &recordingArchive{}
	a := newTestAgent(t, b, KindMid, midID, WithArchive(archive))
	sub := subscribe(t, b, transport.HubRulesChannel("alpha"), transport.HubRulesChannel("beta"))

	one, err := bigraph.EncodeRule(dimOnMotion("one"))
	require.NoError(t, err)
	two, err := bigraph.EncodeRule(dimOnMotion("two"))
	require.NoError(t, err)

	batch, err := transport.Marshal(transport.RuleBatch{Batch: []transport.RuleEnvelope{
		transport.NewRuleEnvelope("alpha", one),
		transport.NewRuleEnvelope("beta", two),
	}})
	require.NoError(t, err)
	a.onRulesOut(context.Background(), batch)

	got := map[string][]byte{}
	for range 2 {
		msg := receive(t, sub)
		got[msg.Channel] = msg.Payload
	}
	assert.Equal(t, one, got[transport.HubRulesChannel("alpha")])
	assert.Equal(t, two, got[transport.HubRulesChannel("beta")])
	assert.Equal(t, []string{"one", "two"}, archive.Names())

	a.onRulesOut(context.Background(), []byte(`{"hub_id": "alpha"}`))
	requireQuiet(t, sub)
}

// Rules addressed to the mid itself are kept on disk and go nowhere:
// the mid runs no engine over its region and forwards only rules_out.
func TestMidStoresOwnRules(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := newTestAgent(t, b, KindMid, midID)
	down := subscribe(t, b, transport.HubRulesChannel("alpha"), transport.HubRulesChannel("beta"))
	up := subscribe(t, b, transport.BuildingRequests)

	storeRule(t, a, dimOnMotion("regional"))
	assert.Equal(t, 1, a.rules.Len())
	requireQuiet(t, down)
	requireQuiet(t, up)
}
