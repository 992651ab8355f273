// Package author turns an operator's free-text request into rules for
// the hubs of a building. It keeps its own copy of the master graph,
// refreshed from the graph pushes the Cloud and mids publish.
package author

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/escalation"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/tier"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

const (
	// DefaultWindow is how long Refresh listens for graph pushes
	DefaultWindow = 2 * time.Second
	// DefaultTimeout bounds one oracle call
	DefaultTimeout = 60 * time.Second

	refreshReason = "author_refresh"
)

// ErrEmptyMaster is returned by Create before any graph has been heard
var ErrEmptyMaster = errors.New("master graph is empty; refresh first")

// Status is the result class of a Create call
type Status string

const (
	StatusPublished   Status = "published"
	StatusNoop        Status = "noop"
	StatusRejected    Status = "rejected"
	StatusTimeout     Status = "timeout"
	StatusUnparseable Status = "unparseable"
)

// Outcome reports what Create did. ByHub lists published rule names per
// hub; Warnings carries schema adjustments made before publishing.
type Outcome struct {
	Status   Status
	Detail   string
	ByHub    map[string][]string
	Raw      string
	Warnings []string
}

// Config configures an Author
type Config struct {
	MasterFile string
	Window     time.Duration
	Timeout    time.Duration
	Schema     *bigraph.Schema
}

// Author refreshes the master graph and publishes authored rules
type Author struct {
	broker     transport.Broker
	oracle     oracle.Oracle
	cfg        Config
	store      *tier.GraphStore
	merger     *partition.Merger
	dispatcher *escalation.MidDispatcher
	logger     logging.Logger
}

// New creates an Author over broker. o may be nil when only Refresh is
// used.
func New(cfg Config, broker transport.Broker, o oracle.Oracle, logger logging.Logger) (*Author, error) {
	if cfg.MasterFile == "" {
		return nil, errors.New("author: master file is required")
	}
	if broker == nil {
		return nil, errors.New("author: broker is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Schema == nil {
		cfg.Schema = bigraph.DefaultSchema()
	}
	logger = logging.OrNop(logger).With(logging.Component("author"))

	var kv transport.KeyValue
	if k, ok := broker.(transport.KeyValue); ok {
		kv = k
	}
	return &Author{
		broker:     broker,
		oracle:     o,
		cfg:        cfg,
		store:      tier.NewGraphStore(cfg.MasterFile),
		merger:     partition.NewMerger(logger),
		dispatcher: escalation.NewMidDispatcher(broker, kv, nil, logger),
		logger:     logger,
	}, nil
}

// Master returns the local master graph; an absent file is empty
func (a *Author) Master() (bigraph.Bigraph, error) {
	g, err := a.store.Load()
	if errors.Is(err, tier.ErrNoGraph) {
		return bigraph.Bigraph{Nodes: []bigraph.Node{}}, nil
	}
	return g, err
}

// RefreshReport summarises one Refresh
type RefreshReport struct {
	Pushes  int
	Invalid int
	Nodes   int
}

// Refresh asks the Cloud to re-push every region and merges the mid and
// hub graph pushes heard within the window into the master file
func (a *Author) Refresh(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	master, err := a.Master()
	if err != nil {
		return report, err
	}

	sub, err := a.broker.Subscribe(ctx, transport.AllMidGraphs, "hub:*:graph")
	if err != nil {
		return report, fmt.Errorf("subscribe graph channels: %w", err)
	}
	defer sub.Close()

	payload, err := transport.Marshal(transport.NewGraphRequest("", "", refreshReason))
	if err != nil {
		return report, err
	}
	if err := a.broker.Publish(ctx, transport.BuildingRequests, payload); err != nil {
		return report, fmt.Errorf("publish graph request: %w", err)
	}

	timer := time.NewTimer(a.cfg.Window)
	defer timer.Stop()

listen:
	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-timer.C:
			break listen
		case msg, ok := <-sub.Channel():
			if !ok {
				break listen
			}
			g, err := bigraph.ParseGraph(msg.Payload)
			if err != nil {
				report.Invalid++
				a.logger.Warn("ignoring invalid graph push", logging.Channel(msg.Channel), logging.Error(err))
				continue
			}
			master, _ = a.merger.Merge(g, master)
			report.Pushes++
		}
	}

	report.Nodes = master.Len()
	if report.Pushes == 0 {
		a.logger.Warn("no graph pushes heard", logging.Duration("window", a.cfg.Window))
		return report, nil
	}
	if err := a.store.Save(master); err != nil {
		return report, err
	}
	a.logger.Info("master refreshed", logging.Count(report.Pushes), logging.Int("nodes", report.Nodes))
	return report, nil
}

// Create asks the oracle for rules implementing text, checks them
// against the master graph and publishes them to the hubs they touch.
// Rejections are reported in the Outcome; the error is for failures to
// read the master or to publish.
func (a *Author) Create(ctx context.Context, text string) (Outcome, error) {
	if a.oracle == nil {
		return Outcome{}, errors.New("author: no oracle configured")
	}
	master, err := a.Master()
	if err != nil {
		return Outcome{}, err
	}
	if master.Len() == 0 {
		return Outcome{}, ErrEmptyMaster
	}

	prompt := oracle.BuildAuthorPrompt(text, master, a.cfg.Schema)
	d := oracle.Ask(ctx, a.oracle, prompt, a.cfg.Timeout)
	out := Outcome{Raw: d.Raw}

	switch d.Kind {
	case oracle.KindTimeout:
		out.Status, out.Detail = StatusTimeout, "oracle timed out"
		return out, nil
	case oracle.KindUnparseable:
		out.Status, out.Detail = StatusUnparseable, "oracle reply is not a decision"
		if d.Err != nil {
			out.Detail = d.Err.Error()
		}
		return out, nil
	}

	var specs []bigraph.RuleSpec
	switch d.Action {
	case oracle.ActionNoop:
		out.Status, out.Detail = StatusNoop, "oracle proposed no rule"
		return out, nil
	case oracle.ActionPublishRule:
		var spec bigraph.RuleSpec
		if !d.Arg("rule", &spec) {
			return reject(out, "rule argument missing or malformed"), nil
		}
		specs = []bigraph.RuleSpec{spec}
	case oracle.ActionPublishBatch:
		if !d.Arg("rules", &specs) || len(specs) == 0 {
			return reject(out, "rules argument missing, empty or malformed"), nil
		}
	default:
		return reject(out, fmt.Sprintf("unsupported action %q", d.Action)), nil
	}

	batch, warnings, err := a.prepare(master, specs)
	out.Warnings = warnings
	if err != nil {
		return reject(out, err.Error()), nil
	}

	if err := a.dispatcher.Dispatch(ctx, escalation.Request{}, batch); err != nil {
		return out, err
	}

	out.Status = StatusPublished
	out.ByHub = make(map[string][]string)
	for _, item := range batch {
		out.ByHub[item.Rule.Target] = append(out.ByHub[item.Rule.Target], item.Rule.Name)
	}
	out.Detail = summary(out.ByHub)
	return out, nil
}

func reject(out Outcome, detail string) Outcome {
	out.Status, out.Detail = StatusRejected, detail
	return out
}

// prepare checks every spec before converting any of them
func (a *Author) prepare(master bigraph.Bigraph, specs []bigraph.RuleSpec) ([]escalation.Dispatch, []string, error) {
	ids := master.IDs()
	var warnings []string

	for i := range specs {
		spec := &specs[i]
		if strings.TrimSpace(spec.Name) == "" {
			return nil, warnings, errors.New("rule without a name")
		}
		if missing := unknownIDs(*spec, ids); len(missing) > 0 {
			return nil, warnings, fmt.Errorf("rule %q references unknown node ids %v", spec.Name, missing)
		}
		warnings = append(warnings, sanitize(spec, a.cfg.Schema)...)
		if err := spec.CheckSchema(a.cfg.Schema); err != nil {
			return nil, warnings, err
		}
		if err := spec.ValidateEscalate(); err != nil {
			return nil, warnings, err
		}
		if spec.HubID == "" {
			hub, ok := InferHub(master, *spec)
			if !ok {
				return nil, warnings, fmt.Errorf("rule %q: cannot infer a hub from its node ids", spec.Name)
			}
			spec.HubID = hub
		}
	}

	batch := make([]escalation.Dispatch, 0, len(specs))
	for _, spec := range specs {
		if !spec.IsEscalate() {
			spec.MintUIDs(func() string { return bigraph.NewUID("n") })
		}
		rule, err := spec.ToRule()
		if err != nil {
			return nil, warnings, err
		}
		data, err := bigraph.EncodeRule(rule)
		if err != nil {
			return nil, warnings, err
		}
		batch = append(batch, escalation.Dispatch{Rule: rule, Data: data})
	}
	return batch, warnings, nil
}

func unknownIDs(spec bigraph.RuleSpec, known map[int]struct{}) []int {
	seen := make(map[int]struct{})
	var missing []int
	for _, id := range spec.ReferencedIDs() {
		if _, ok := known[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	sort.Ints(missing)
	return missing
}

// sanitize clamps properties on both sides of spec in place
func sanitize(spec *bigraph.RuleSpec, schema *bigraph.Schema) []string {
	var notes []string
	var walk func([]bigraph.NodeSpec)
	walk = func(nodes []bigraph.NodeSpec) {
		for i := range nodes {
			if len(nodes[i].Properties) > 0 {
				props, n := schema.Sanitize(nodes[i].Control, nodes[i].Properties)
				nodes[i].Properties = props
				notes = append(notes, n...)
			}
			walk(nodes[i].Children)
		}
	}
	walk(spec.Redex)
	walk(spec.Reactum)
	sort.Strings(notes)
	return notes
}

// InferHub picks the hub owning most of the nodes spec references. Ties
// go to the smallest hub id.
func InferHub(master bigraph.Bigraph, spec bigraph.RuleSpec) (string, bool) {
	votes := make(map[string]int)
	for _, id := range spec.ReferencedIDs() {
		if hub, ok := partition.HubOf(master, id); ok {
			votes[hub]++
		}
	}
	best, bestVotes := "", 0
	for hub, n := range votes {
		if n > bestVotes || (n == bestVotes && hub < best) {
			best, bestVotes = hub, n
		}
	}
	return best, bestVotes > 0
}

func summary(byHub map[string][]string) string {
	hubs := make([]string, 0, len(byHub))
	for h := range byHub {
		hubs = append(hubs, h)
	}
	sort.Strings(hubs)
	parts := make([]string, len(hubs))
	for i, h := range hubs {
		parts[i] = fmt.Sprintf("%s: %s", h, strings.Join(byHub[h], ", "))
	}
	return strings.Join(parts, "; ")
}
