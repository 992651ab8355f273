package tier

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/demo"
	"github.com/dd0wney/cluso-bigraph/pkg/engine"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// propertyEngine stands in for the rule engine binary. A redex node
// matches the state node with the same id and control whose properties
// include the redex's; a match copies the reactum properties over.
func propertyEngine() engine.Engine {
	return engine.Func(func(_ context.Context, rulePath, statePath string) engine.Result {
		ruleData, err := os.ReadFile(rulePath)
		if err != nil {
			return engine.Result{Outcome: engine.Failed, Err: err}
		}
		rule, err := bigraph.DecodeRule(ruleData)
		if err != nil {
			return engine.Result{Outcome: engine.Failed, Err: err}
		}
		stateData, err := os.ReadFile(statePath)
		if err != nil {
			return engine.Result{Outcome: engine.Failed, Err: err}
		}
		state, err := bigraph.DecodeGraph(stateData)
		if err != nil {
			return engine.Result{Outcome: engine.Failed, Err: err}
		}

		pos := make(map[int]int, len(state.Nodes))
		for i, n := range state.Nodes {
			pos[n.ID] = i
		}
		for _, want := range rule.Redex.Nodes {
			i, ok := pos[want.ID]
			if !ok || state.Nodes[i].Control != want.Control {
				return engine.Result{Outcome: engine.NoMatch}
			}
			for k, v := range want.Properties {
				if got, ok := state.Nodes[i].Prop(k); !ok || !got.Equal(v) {
					return engine.Result{Outcome: engine.NoMatch}
				}
			}
		}

		changed := false
		for _, n := range rule.Reactum.Nodes {
			i, ok := pos[n.ID]
			if !ok {
				continue
			}
			for k, v := range n.Properties {
				if k == bigraph.PropUID {
					continue
				}
				if got, ok := state.Nodes[i].Prop(k); ok && got.Equal(v) {
					continue
				}
				state.Nodes[i].SetProp(k, v)
				changed = true
			}
		}
		if changed {
			data, err := bigraph.EncodeGraph(state)
			if err != nil {
				return engine.Result{Outcome: engine.Failed, Err: err}
			}
			if err := os.WriteFile(statePath, data, 0o644); err != nil {
				return engine.Result{Outcome: engine.Failed, Err: err}
			}
		}
		return engine.Result{Outcome: engine.Matched, Applied: changed}
	})
}

// replies answers with each reply in turn, then noop
func replies(rs ...string) oracle.Oracle {
	var mu sync.Mutex
	return oracle.Func(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(rs) == 0 {
			return `{"tool": "noop"}`, nil
		}
		r := rs[0]
		rs = rs[1:]
		return r, nil
	})
}

// always answers every prompt with reply
func always(reply string) oracle.Oracle {
	return oracle.Func(func(context.Context, string) (string, error) { return reply, nil })
}

func newTestAgent(t *testing.T, b transport.Broker, kind, id string, opts ...Option) *Agent {
	t.Helper()
	cfg := Config{Kind: kind, ID: id, DataDir: t.TempDir(), MaxSteps: 4, OracleTimeout: time.Second}
	return newTestAgentWith(t, b, cfg, opts...)
}

func newTestAgentWith(t *testing.T, b transport.Broker, cfg Config, opts ...Option) *Agent {
	t.Helper()
	switch cfg.Kind {
	case KindHub:
		opts = append([]Option{WithEngine(propertyEngine())}, opts...)
	default:
		opts = append([]Option{WithOracle(always(`{"tool": "noop"}`))}, opts...)
	}
	a, err := NewAgent(cfg, b, opts...)
	require.NoError(t, err)
	return a
}

// slice cuts the demo building at root and stamps it with rev
func slice(t *testing.T, root int, rev int64) bigraph.Bigraph {
	t.Helper()
	s, err := partition.Slice(demo.Building(), root)
	require.NoError(t, err)
	require.NoError(t, partition.StampRevision(&s, root, rev, "test"))
	return s
}

func encode(t *testing.T, g bigraph.Bigraph) []byte {
	t.Helper()
	data, err := bigraph.EncodeGraph(g)
	require.NoError(t, err)
	return data
}

func subscribe(t *testing.T, b transport.Broker, channels ...string) transport.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), channels...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func receive(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Channel():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return transport.Message{}
	}
}

func requireQuiet(t *testing.T, sub transport.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected message on %s: %s", msg.Channel, msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func escalationOf(t *testing.T, msg transport.Message) *transport.EscalationRequest {
	t.Helper()
	req, err := transport.DecodeRequest(msg.Payload)
	require.NoError(t, err)
	esc, ok := req.(*transport.EscalationRequest)
	require.True(t, ok, "expected an escalation request, got %T", req)
	return esc
}

func nodeProp(t *testing.T, g bigraph.Bigraph, id int, key string) bigraph.Value {
	t.Helper()
	n, ok := g.Find(id)
	require.True(t, ok, "node %d missing", id)
	v, ok := n.Prop(key)
	require.True(t, ok, "node %d has no %s", id, key)
	return v
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type recordingArchive struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingArchive) Put(rule bigraph.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, rule.Name)
	return nil
}

func (r *recordingArchive) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type fakeSnapshots struct {
	mu         sync.Mutex
	archived   []bigraph.Bigraph
	restore    bigraph.Bigraph
	restoreErr error
}

func (f *fakeSnapshots) Archive(_ context.Context, g bigraph.Bigraph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, g.Clone())
	return nil
}

func (f *fakeSnapshots) Restore(context.Context) (bigraph.Bigraph, error) {
	return f.restore, f.restoreErr
}

func (f *fakeSnapshots) Archived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

func oracleCounting(calls *int) oracle.Oracle {
	return oracle.Func(func(context.Context, string) (string, error) {
		*calls++
		return `{"tool": "noop"}`, nil
	})
}
