package tier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/engine"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// Escalation reasons
const (
	ReasonNoStoredRules  = "no_stored_rules"
	ReasonNoMatchedRules = "no_matched_rules"
	ReasonRuleRequested  = "rule_requested_escalation"
	ReasonBudget         = "budget_exhausted"
	ReasonMidException   = "mid_exception"
)

// sensorEffects maps event types to the sensor reading they imply. The
// hub records the reading before trying its rules, so rules can match on
// it.
var sensorEffects = map[string]struct {
	control string
	prop    string
	value   bigraph.Value
}{
	"USER_ENTERED_ROOM": {"PIR", "motion_detected", bigraph.BoolValue(true)},
	"USER_LEFT_ROOM":    {"PIR", "motion_detected", bigraph.BoolValue(false)},
}

func (a *Agent) onEvent(ctx context.Context, payload []byte) {
	ev, err := transport.ParseEvent(payload)
	if err != nil {
		a.logger.Warn("invalid event dropped", logging.Error(err))
		return
	}
	a.handleEvent(ctx, ev)
}

func (a *Agent) handleEvent(ctx context.Context, ev transport.Event) {
	if a.state.Current() == StateDegraded {
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonMidException+":"+a.DegradedDetail(), "")
		return
	}

	if _, err := a.store.Load(); err != nil {
		if !errors.Is(err, ErrNoGraph) {
			a.degrade("load graph: " + err.Error())
			a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonMidException+":"+a.DegradedDetail(), "")
			return
		}
		a.buffer(ev)
		if a.state.Current() == StateInit {
			a.transition(StateAwaitingGraph)
		}
		a.requestGraph(ctx, "event_without_graph")
		return
	}

	a.process(ctx, ev)
}

func (a *Agent) buffer(ev transport.Event) {
	dropped := a.pending.Push(ev)
	if a.metrics != nil {
		a.metrics.PendingEvents.WithLabelValues(a.cfg.Kind).Set(float64(a.pending.Len()))
		if dropped {
			a.metrics.PendingDropsTotal.WithLabelValues(a.cfg.Kind).Inc()
		}
	}
	if dropped {
		a.logger.Warn("pending buffer full; oldest event dropped", logging.Count(a.pending.Cap()))
	}
}

// replay handles buffered events in arrival order
func (a *Agent) replay(ctx context.Context) {
	events := a.pending.Drain()
	if a.metrics != nil {
		a.metrics.PendingEvents.WithLabelValues(a.cfg.Kind).Set(0)
	}
	if len(events) > 0 {
		a.logger.Info("replaying buffered events", logging.Count(len(events)))
	}
	for _, ev := range events {
		a.handleEvent(ctx, ev)
	}
}

// process tries every stored rule against the graph and escalates when
// none handles the event
func (a *Agent) process(ctx context.Context, ev transport.Event) {
	a.transition(StateProcessing)
	defer a.settle()

	logger := a.logger.With(logging.String("event", ev.Type))
	if err := a.applySensorEffect(ev); err != nil {
		a.degrade("record event: " + err.Error())
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonMidException+":"+a.DegradedDetail(), "")
		return
	}

	files, err := a.rules.List()
	if err != nil {
		a.degrade("list rules: " + err.Error())
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonMidException+":"+a.DegradedDetail(), "")
		return
	}
	if len(files) == 0 {
		logger.Info("no stored rules")
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonNoStoredRules, "")
		return
	}

	matched := false
	var escalateRule string
	for _, path := range files {
		start := a.now()
		res := a.engine.Apply(ctx, path, a.store.Path())
		if a.metrics != nil {
			a.metrics.RecordRuleApplication(res.Outcome.String(), a.now().Sub(start))
		}

		switch res.Outcome {
		case engine.Matched:
			matched = true
			name := a.ruleName(path)
			logger.Info("rule matched", logging.Rule(name), logging.Bool("applied", res.Applied))
			if strings.HasPrefix(name, bigraph.EscalatePrefix) {
				escalateRule = name
			}
			if res.Applied {
				if err := a.bumpRevision(); err != nil {
					a.degrade("after rule " + name + ": " + err.Error())
					a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonMidException+":"+a.DegradedDetail(), "")
					return
				}
			}
		case engine.Failed:
			logger.Warn("rule engine failed", logging.Path(path), logging.Error(res.Err))
		}
	}

	switch {
	case escalateRule != "":
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonRuleRequested, "")
	case !matched:
		a.escalate(ctx, a.cfg.ID, ev.Raw, ReasonNoMatchedRules, "")
	default:
		logger.Info("event handled locally")
	}
}

// applySensorEffect records the reading an event implies on every
// matching sensor
func (a *Agent) applySensorEffect(ev transport.Event) error {
	effect, ok := sensorEffects[ev.Type]
	if !ok {
		return nil
	}
	g, err := a.store.Load()
	if err != nil {
		return err
	}
	changed := false
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Control != effect.control {
			continue
		}
		if cur, ok := n.Prop(effect.prop); ok && cur.Equal(effect.value) {
			continue
		}
		n.SetProp(effect.prop, effect.value)
		changed = true
	}
	if !changed {
		return nil
	}
	return a.saveBumped(g)
}

// bumpRevision re-reads the store after the engine rewrote it and stamps
// a newer revision on the root
func (a *Agent) bumpRevision() error {
	g, err := a.store.Load()
	if err != nil {
		return err
	}
	return a.saveBumped(g)
}

func (a *Agent) saveBumped(g bigraph.Bigraph) error {
	rev, err := partition.BumpRevision(&g, a.cfg.ID, a.now().UnixMilli())
	if err != nil {
		return err
	}
	if err := a.store.Save(g); err != nil {
		return err
	}
	a.observeGraph(g)
	a.logger.Debug("revision bumped", logging.RevTS(rev.TS))
	return nil
}

func (a *Agent) ruleName(path string) string {
	data, err := a.rules.Read(path)
	if err != nil {
		return ""
	}
	r, err := bigraph.DecodeRule(data)
	if err != nil {
		return ""
	}
	return r.Name
}

// onRule stores a rule delivered to this tier
func (a *Agent) onRule(_ context.Context, payload []byte) {
	r, err := bigraph.DecodeRule(payload)
	if err != nil {
		a.logger.Warn("invalid rule dropped", logging.Error(err))
		return
	}
	path, err := a.rules.Put(payload)
	if err != nil {
		a.logger.Error("failed to store rule", logging.Rule(r.Name), logging.Error(err))
		return
	}
	if a.metrics != nil {
		a.metrics.RulesStored.WithLabelValues(a.cfg.Kind).Inc()
	}
	a.logger.Info("rule stored", logging.Rule(r.Name), logging.Path(path))
}

// escalate hands an event to the parent tier. Hubs send their graph
// along; mids send their region.
func (a *Agent) escalate(ctx context.Context, hubID string, event json.RawMessage, reason, requestID string) {
	if a.cfg.Kind == KindCloud {
		return
	}

	midID := ""
	channel := transport.BuildingRequests
	if a.cfg.Kind == KindMid {
		midID = a.cfg.ID
	} else if a.cfg.ParentMid != "" {
		channel = transport.MidRequestsChannel(a.cfg.ParentMid)
	}

	req := transport.NewEscalationRequest(hubID, midID, reason, event)
	req.RequestID = requestID
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if g, err := a.store.Load(); err == nil {
		if data, err := bigraph.EncodeGraph(g); err == nil {
			req.Graph = data
		}
		if a.cfg.Kind == KindMid {
			req.RegionGraphFile = a.store.Path()
		} else {
			req.GraphFile = a.store.Path()
		}
	}

	payload, err := transport.Marshal(req)
	if err == nil {
		err = a.broker.Publish(ctx, channel, payload)
	}
	if err != nil {
		a.logger.Error("escalation failed", logging.Channel(channel), logging.Reason(reason), logging.Error(err))
		return
	}
	if a.metrics != nil {
		a.metrics.RecordEscalation(a.cfg.Kind, reasonLabel(reason))
	}
	a.logger.Info("escalated", logging.Channel(channel), logging.HubID(hubID), logging.Reason(reason),
		logging.String("request_id", req.RequestID))
}

// reasonLabel drops the free-form detail of prefixed reasons
func reasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}
