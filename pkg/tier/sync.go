package tier

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/escalation"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// Graph push results
const (
	pushAccepted = "accepted"
	pushStale    = "stale"
	pushInvalid  = "invalid"
	pushError    = "error"
)

// onGraph accepts a pushed slice unless it is older than the one held
func (a *Agent) onGraph(ctx context.Context, payload []byte) {
	g, err := bigraph.ParseGraph(payload)
	if err != nil {
		a.recordPush(pushInvalid)
		a.logger.Warn("invalid graph push dropped", logging.Error(err))
		return
	}

	if current, err := a.store.Load(); err == nil && partition.IsStale(g, current) {
		in, _ := partition.RevisionOf(g)
		cur, _ := partition.RevisionOf(current)
		a.recordPush(pushStale)
		a.logger.Info("stale graph push discarded",
			logging.RevTS(in.TS), logging.Int64("current_rev_ts", cur.TS))
		return
	}

	if err := a.store.Save(g); err != nil {
		a.recordPush(pushError)
		a.degrade("save graph: " + err.Error())
		return
	}
	a.recordPush(pushAccepted)
	a.observeGraph(g)
	a.requestedAt = time.Time{}
	rev, _ := partition.RevisionOf(g)
	a.logger.Info("graph accepted", logging.Count(g.Len()), logging.RevTS(rev.TS))

	if a.cfg.Kind == KindMid {
		a.fanOut(ctx, g)
	}
	a.becomeReady(ctx)
}

func (a *Agent) recordPush(result string) {
	if a.metrics != nil {
		a.metrics.RecordGraphPush(a.cfg.Kind, result)
	}
}

// becomeReady leaves INIT or AWAITING_GRAPH once a graph is held. A hub
// then replays what it buffered.
func (a *Agent) becomeReady(ctx context.Context) {
	switch a.state.Current() {
	case StateInit, StateAwaitingGraph:
		a.transition(StateReady)
	case StateDegraded:
		a.logger.Warn("graph stored while degraded; recover to resume")
		return
	}
	if a.cfg.Kind == KindHub && a.pending.Len() > 0 {
		a.replay(ctx)
	}
}

// fanOut pushes each hub in the region its own slice
func (a *Agent) fanOut(ctx context.Context, region bigraph.Bigraph) {
	hubs := partition.DiscoverHubs(region)
	for _, h := range hubs {
		if err := a.publishSlice(ctx, region, h.RootID, transport.HubGraphChannel(h.ID)); err != nil {
			a.logger.Error("fan-out failed", logging.HubID(h.ID), logging.Error(err))
		}
	}
	a.logger.Info("region fanned out", logging.Count(len(hubs)))
}

// requestGraph asks the parent tier for this agent's slice. Requests are
// suppressed while one is outstanding.
func (a *Agent) requestGraph(ctx context.Context, reason string) {
	if a.cfg.Kind == KindCloud {
		return
	}
	now := a.now()
	if !a.requestedAt.IsZero() && now.Sub(a.requestedAt) < a.cfg.RequestRetry {
		a.logger.Debug("graph request outstanding", logging.Reason(reason))
		return
	}

	var req transport.GraphRequest
	channel := transport.BuildingRequests
	if a.cfg.Kind == KindHub {
		req = transport.NewGraphRequest(a.cfg.ID, "", reason)
		if a.cfg.ParentMid != "" {
			channel = transport.MidRequestsChannel(a.cfg.ParentMid)
		}
	} else {
		req = transport.NewGraphRequest("", a.cfg.ID, reason)
	}

	payload, err := transport.Marshal(req)
	if err == nil {
		err = a.broker.Publish(ctx, channel, payload)
	}
	if err != nil {
		a.logger.Error("graph request failed", logging.Channel(channel), logging.Error(err))
		return
	}
	a.requestedAt = now
	if a.metrics != nil {
		a.metrics.GraphRequestsTotal.WithLabelValues(a.cfg.Kind, "sent").Inc()
	}
	a.logger.Info("graph requested", logging.Channel(channel), logging.Reason(reason))
}

// onRequest serves a child's graph request or escalation
func (a *Agent) onRequest(ctx context.Context, payload []byte) {
	req, err := transport.DecodeRequest(payload)
	if err != nil {
		a.logger.Warn("invalid request dropped", logging.Error(err))
		return
	}
	switch r := req.(type) {
	case *transport.GraphRequest:
		if a.cfg.Kind == KindMid {
			a.serveHub(ctx, r)
		} else {
			a.serveCloud(ctx, r)
		}
	case *transport.EscalationRequest:
		a.handleEscalation(ctx, r)
	}
}

// serveHub answers a hub's graph request from the mid's region
func (a *Agent) serveHub(ctx context.Context, r *transport.GraphRequest) {
	if r.HubID == "" {
		a.logger.Warn("graph request without hub_id ignored")
		return
	}
	region, err := a.store.Load()
	if err != nil {
		a.requestGraph(ctx, "hub_request:"+r.HubID)
		return
	}

	served := false
	for _, h := range partition.DiscoverHubs(region) {
		if h.ID != r.HubID {
			continue
		}
		if err := a.publishSlice(ctx, region, h.RootID, transport.HubGraphChannel(h.ID)); err != nil {
			a.logger.Error("serve graph request failed", logging.HubID(h.ID), logging.Error(err))
			return
		}
		served = true
		break
	}
	if !served {
		a.logger.Warn("hub not in region", logging.HubID(r.HubID))
		return
	}
	a.countServed()
}

func (a *Agent) countServed() {
	if a.metrics != nil {
		a.metrics.GraphRequestsTotal.WithLabelValues(a.cfg.Kind, "served").Inc()
	}
}

// handleEscalation merges the child's graph, then runs the decision loop
func (a *Agent) handleEscalation(ctx context.Context, r *transport.EscalationRequest) {
	logger := a.logger.With(logging.HubID(r.HubID), logging.MidID(r.MidID), logging.Reason(r.Reason))

	if a.cfg.Kind == KindMid && a.state.Current() == StateDegraded {
		a.escalate(ctx, r.HubID, r.Event, ReasonMidException+":"+a.DegradedDetail(), r.RequestID)
		return
	}

	if !a.mergeChild(ctx, r, logger) && a.cfg.Kind == KindMid {
		logger.Warn("escalation without region; passing up")
		a.escalate(ctx, r.HubID, r.Event, r.Reason, r.RequestID)
		a.requestGraph(ctx, "escalation_without_region")
		return
	}

	if a.state.Current() == StateReady {
		a.transition(StateProcessing)
	}
	res := a.controller.Run(ctx, escalation.Request{
		HubID:     r.HubID,
		MidID:     r.MidID,
		Event:     r.Event,
		Reason:    r.Reason,
		RequestID: r.RequestID,
	})
	a.settle()

	if a.cfg.Kind == KindCloud {
		if res.Outcome != escalation.OutcomePublished && res.Outcome != escalation.OutcomeNoop {
			logger.Warn("escalation absorbed at cloud", logging.String("outcome", res.Outcome.String()),
				logging.String("detail", res.Detail), logging.Error(res.Err))
		}
		return
	}

	switch {
	case res.Err != nil:
		a.escalate(ctx, r.HubID, r.Event, ReasonMidException+":"+res.Err.Error(), r.RequestID)
	case res.Outcome == escalation.OutcomeEscalate:
		a.escalate(ctx, r.HubID, r.Event, r.Reason, r.RequestID)
	case res.Outcome == escalation.OutcomeBudgetExhausted:
		a.escalate(ctx, r.HubID, r.Event, ReasonBudget, r.RequestID)
	}
}

// mergeChild folds the child's graph into the local one and reports
// whether the agent holds a graph afterwards. A mid only merges into a
// region it already holds; the cloud may start its master from a child.
func (a *Agent) mergeChild(ctx context.Context, r *transport.EscalationRequest, logger logging.Logger) bool {
	base, err := a.store.Load()
	if err != nil && !errors.Is(err, ErrNoGraph) {
		logger.Error("local graph unreadable", logging.Error(err))
		return false
	}
	held := err == nil
	if !held && a.cfg.Kind == KindMid {
		return false
	}

	child, ok := a.childGraph(r, logger)
	if !ok {
		return held
	}

	if !held {
		base = bigraph.Bigraph{Nodes: []bigraph.Node{}}
	}
	merged, report := a.merger.Merge(child, base)
	if _, err := partition.BumpRevision(&merged, a.cfg.ID, a.now().UnixMilli()); err != nil {
		logger.Warn("merged graph has no root", logging.Error(err))
	}
	if err := a.store.Save(merged); err != nil {
		a.degrade("save merged graph: " + err.Error())
		return held
	}
	a.observeGraph(merged)
	logger.Info("child graph merged", logging.Count(merged.Len()), logging.Any("matches", report.Kinds()))

	if a.cfg.Kind == KindCloud {
		a.archiveSnapshot(ctx, merged)
		a.becomeReady(ctx)
	}
	return true
}

// childGraph reads the graph an escalation carries, inline first
func (a *Agent) childGraph(r *transport.EscalationRequest, logger logging.Logger) (bigraph.Bigraph, bool) {
	if len(r.Graph) > 0 {
		g, err := bigraph.ParseGraph(r.Graph)
		if err == nil {
			return g, true
		}
		logger.Warn("inline graph unreadable", logging.Error(err))
	}
	for _, path := range []string{r.GraphFile, r.RegionGraphFile} {
		if path == "" {
			continue
		}
		g, err := bigraph.ReadGraphFile(path)
		if err == nil {
			return g, true
		}
		logger.Debug("graph file unreadable", logging.Path(path), logging.Error(err))
	}
	return bigraph.Bigraph{}, false
}

// onRulesOut forwards rules the cloud addressed through this mid
func (a *Agent) onRulesOut(ctx context.Context, payload []byte) {
	envs, err := transport.DecodeRuleDelivery(payload)
	if err != nil {
		a.logger.Warn("invalid rule delivery dropped", logging.Error(err))
		return
	}

	forwarded := 0
	for _, env := range envs {
		data, err := env.Rule()
		if err != nil {
			a.logger.Warn("rule envelope undecodable", logging.HubID(env.HubID), logging.Error(err))
			continue
		}
		channel := transport.HubRulesChannel(env.HubID)
		if err := a.broker.Publish(ctx, channel, data); err != nil {
			a.logger.Error("rule forward failed", logging.Channel(channel), logging.Error(err))
			continue
		}
		forwarded++
		if a.archive == nil {
			continue
		}
		if r, err := bigraph.DecodeRule(data); err == nil {
			if err := a.archive.Put(r); err != nil {
				a.logger.Warn("rule archive failed", logging.Rule(r.Name), logging.Error(err))
			}
		}
	}
	if a.metrics != nil && forwarded > 0 {
		a.metrics.RecordDispatch(a.cfg.Kind, "forward", forwarded)
	}
	a.logger.Info("rules forwarded", logging.Count(forwarded))
}
