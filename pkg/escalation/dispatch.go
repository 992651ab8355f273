package escalation

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// mirrorKeyPrefix names the key each dispatched rule is mirrored under
const mirrorKeyPrefix = "rule:"

// Dispatcher delivers accepted rules toward the hubs that apply them
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, batch []Dispatch) error
}

// Publisher is the subset of transport.Broker dispatchers use
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// MidDispatcher publishes raw rules straight to hub:<target>:rules
type MidDispatcher struct {
	pub     Publisher
	kv      transport.KeyValue
	metrics *metrics.Registry
	logger  logging.Logger
}

// NewMidDispatcher creates a mid dispatcher. kv and m may be nil.
func NewMidDispatcher(pub Publisher, kv transport.KeyValue, m *metrics.Registry, logger logging.Logger) *MidDispatcher {
	return &MidDispatcher{pub: pub, kv: kv, metrics: m, logger: logging.OrNop(logger)}
}

// Dispatch implements Dispatcher
func (d *MidDispatcher) Dispatch(ctx context.Context, _ Request, batch []Dispatch) error {
	for _, item := range batch {
		channel := transport.HubRulesChannel(item.Rule.Target)
		if err := d.pub.Publish(ctx, channel, item.Data); err != nil {
			return fmt.Errorf("publish %s to %s: %w", item.Rule.Name, channel, err)
		}
		d.logger.Info("rule published", logging.Rule(item.Rule.Name), logging.Channel(channel))
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch("mid", "hub", len(batch))
	}
	mirror(ctx, d.kv, batch, d.logger)
	return nil
}

// CloudDispatcher sends rules through the escalating mid as base64
// envelopes, or directly to the hub when no mid is involved
type CloudDispatcher struct {
	pub     Publisher
	kv      transport.KeyValue
	metrics *metrics.Registry
	logger  logging.Logger
}

// NewCloudDispatcher creates a cloud dispatcher. kv and m may be nil.
func NewCloudDispatcher(pub Publisher, kv transport.KeyValue, m *metrics.Registry, logger logging.Logger) *CloudDispatcher {
	return &CloudDispatcher{pub: pub, kv: kv, metrics: m, logger: logging.OrNop(logger)}
}

// Dispatch implements Dispatcher
func (d *CloudDispatcher) Dispatch(ctx context.Context, req Request, batch []Dispatch) error {
	if req.MidID == "" {
		for _, item := range batch {
			channel := transport.HubRulesChannel(item.Rule.Target)
			if err := d.pub.Publish(ctx, channel, item.Data); err != nil {
				return fmt.Errorf("publish %s to %s: %w", item.Rule.Name, channel, err)
			}
		}
		if d.metrics != nil {
			d.metrics.RecordDispatch("cloud", "hub", len(batch))
		}
		mirror(ctx, d.kv, batch, d.logger)
		return nil
	}

	envelopes := make([]transport.RuleEnvelope, len(batch))
	for i, item := range batch {
		envelopes[i] = transport.NewRuleEnvelope(item.Rule.Target, item.Data)
	}

	var payload []byte
	var err error
	if len(envelopes) == 1 {
		payload, err = transport.Marshal(envelopes[0])
	} else {
		payload, err = transport.Marshal(transport.RuleBatch{Batch: envelopes})
	}
	if err != nil {
		return fmt.Errorf("encode rule delivery: %w", err)
	}

	channel := transport.MidRulesOutChannel(req.MidID)
	if err := d.pub.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	d.logger.Info("rules sent via mid", logging.MidID(req.MidID), logging.Channel(channel), logging.Count(len(batch)))
	if d.metrics != nil {
		d.metrics.RecordDispatch("cloud", "mid", len(batch))
	}
	mirror(ctx, d.kv, batch, d.logger)
	return nil
}

// mirror keeps a copy of each rule under rule:<name>. Failures are logged
// only; the rule has already been delivered.
func mirror(ctx context.Context, kv transport.KeyValue, batch []Dispatch, logger logging.Logger) {
	if kv == nil {
		return
	}
	for _, item := range batch {
		if err := kv.Set(ctx, mirrorKeyPrefix+item.Rule.Name, item.Data); err != nil {
			logger.Warn("rule mirror write failed", logging.Rule(item.Rule.Name), logging.Error(err))
		}
	}
}
