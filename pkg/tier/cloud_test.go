package tier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/demo"
	"github.com/dd0wney/cluso-bigraph/pkg/snapshot"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

const cloudID = "building"

func seededCloud(t *testing.T, b transport.Broker, opts ...Option) *Agent {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.cbor")
	require.NoError(t, os.WriteFile(seed, encode(t, demo.Building()), 0o644))

	a := newTestAgentWith(t, b, Config{Kind: KindCloud, ID: cloudID, DataDir: dir, SeedFile: seed}, opts...)
	a.startCloud(context.Background())
	require.Equal(t, StateReady, a.State())
	return a
}

func graphRequest(t *testing.T, hubID, mid string) []byte {
	t.Helper()
	data, err := transport.Marshal(transport.NewGraphRequest(hubID, mid, "test"))
	require.NoError(t, err)
	return data
}

func TestCloudStartupSeedsAndPushes(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	regions := subscribe(t, b, transport.MidGraphChannel(midID))
	a := seededCloud(t, b)

	region, err := bigraph.ParseGraph(receive(t, regions).Payload)
	require.NoError(t, err)
	assert.Len(t, region.Nodes, 19)

	master, err := a.Store().Load()
	require.NoError(t, err)
	assert.Len(t, master.Nodes, 25)
}

func TestCloudRestoresSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{restore: demo.Building()}
	a := newTestAgent(t, transport.NewMemoryBroker(0), KindCloud, cloudID, WithSnapshots(snaps))
	a.startCloud(context.Background())
	assert.Equal(t, StateReady, a.State())
	nodes, _ := a.GraphStats()
	assert.Equal(t, 25, nodes)

	empty := &fakeSnapshots{restoreErr: snapshot.ErrNoSnapshot}
	b := newTestAgent(t, transport.NewMemoryBroker(0), KindCloud, cloudID, WithSnapshots(empty))
	b.startCloud(context.Background())
	assert.Equal(t, StateAwaitingGraph, b.State())
}

func TestCloudServesGraphRequests(t *testing.T) {
	ctx := context.Background()
	b := transport.NewMemoryBroker(0)
	a := seededCloud(t, b)
	sub := subscribe(t, b, transport.MidGraphChannel(midID), transport.HubGraphChannel("open"))

	tests := []struct {
		name    string
		hub     string
		mid     string
		channel string
		nodes   int
	}{
		{"by mid", "", midID, transport.MidGraphChannel(midID), 19},
		{"hub under a mid", "alpha", "", transport.MidGraphChannel(midID), 19},
		{"hub outside every region", "open", "", transport.HubGraphChannel("open"), 4},
		{"refresh", "", "", transport.MidGraphChannel(midID), 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.onRequest(ctx, graphRequest(t, tt.hub, tt.mid))
			msg := receive(t, sub)
			assert.Equal(t, tt.channel, msg.Channel)
			g, err := bigraph.ParseGraph(msg.Payload)
			require.NoError(t, err)
			assert.Len(t, g.Nodes, tt.nodes)
		})
	}

	a.onRequest(ctx, graphRequest(t, "", "mid_unknown"))
	a.onRequest(ctx, graphRequest(t, "zeta", ""))
	requireQuiet(t, sub)
}

func TestCloudEscalationStartsMaster(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	snaps := &fakeSnapshots{restoreErr: snapshot.ErrNoSnapshot}
	a := newTestAgent(t, b, KindCloud, cloudID, WithSnapshots(snaps))
	a.startCloud(context.Background())
	require.Equal(t, StateAwaitingGraph, a.State())

	req := transport.NewEscalationRequest("alpha", midID, ReasonNoStoredRules, []byte(entered))
	req.Graph = encode(t, slice(t, 10, 300))
	payload, err := transport.Marshal(req)
	require.NoError(t, err)
	a.onRequest(context.Background(), payload)

	assert.Equal(t, StateReady, a.State())
	nodes, rev := a.GraphStats()
	assert.Equal(t, 19, nodes)
	assert.Greater(t, rev, int64(300))
	assert.Equal(t, 1, snaps.Archived())
}

func TestCloudPublishesThroughMid(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := seededCloud(t, b, WithOracle(replies(publishDim)))
	out := subscribe(t, b, transport.MidRulesOutChannel(midID))

	req := transport.NewEscalationRequest("alpha", midID, ReasonNoStoredRules, []byte(entered))
	payload, err := transport.Marshal(req)
	require.NoError(t, err)
	a.onRequest(context.Background(), payload)

	envs, err := transport.DecodeRuleDelivery(receive(t, out).Payload)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "alpha", envs[0].HubID)
	data, err := envs[0].Rule()
	require.NoError(t, err)
	r, err := bigraph.DecodeRule(data)
	require.NoError(t, err)
	assert.Equal(t, "dim_on_motion", r.Name)
}

func TestCloudAbsorbsEscalation(t *testing.T) {
	b := transport.NewMemoryBroker(0)
	a := seededCloud(t, b, WithOracle(always(`{"tool": "escalate"}`)))
	up := subscribe(t, b, transport.BuildingRequests)

	req := transport.NewEscalationRequest("alpha", midID, ReasonNoStoredRules, []byte(entered))
	payload, err := transport.Marshal(req)
	require.NoError(t, err)
	a.onRequest(context.Background(), payload)

	requireQuiet(t, up)
	assert.Equal(t, StateReady, a.State())
}
