// Package tier runs the hub, mid and cloud agents. Each agent owns one
// graph store, drains its channel subscriptions into a single ordered
// inbox, and handles one message at a time.
package tier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/audit"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/config"
	"github.com/dd0wney/cluso-bigraph/pkg/engine"
	"github.com/dd0wney/cluso-bigraph/pkg/escalation"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/rules"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
	"github.com/dd0wney/cluso-bigraph/pkg/validation"
)

// Tier kinds
const (
	KindHub   = config.KindHub
	KindMid   = config.KindMid
	KindCloud = config.KindCloud
)

const (
	DefaultInboxSize = 256
	// DefaultRequestRetry is how long a graph request stays outstanding
	// before another may be sent
	DefaultRequestRetry = 5 * time.Second
)

// Config configures an agent
type Config struct {
	Kind string
	ID   string
	// ParentMid is the mid a hub escalates to; empty means the cloud
	ParentMid   string
	StatePath   string
	RulesDir    string
	DataDir     string
	SeedFile    string
	InboxSize   int
	PendingSize int

	RequestRetry  time.Duration
	MaxSteps      int
	OracleTimeout time.Duration
	Schema        *bigraph.Schema
}

// FromConfig maps a loaded configuration onto an agent Config
func FromConfig(c *config.Config) Config {
	return Config{
		Kind:          c.Tier.Kind,
		ID:            c.Tier.ID,
		ParentMid:     c.Tier.ParentMid,
		StatePath:     c.StatePath(),
		RulesDir:      c.RulesDir(),
		DataDir:       c.Tier.DataDir,
		SeedFile:      c.Tier.SeedFile,
		InboxSize:     c.Tier.InboxSize,
		PendingSize:   c.Tier.PendingSize,
		MaxSteps:      c.Escalation.MaxSteps,
		OracleTimeout: c.Oracle.Timeout,
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = config.DefaultDataDir
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.DataDir, fmt.Sprintf("%s_%s_state.cbor", c.Kind, c.ID))
	}
	if c.RulesDir == "" {
		c.RulesDir = filepath.Join(c.DataDir, "rules", c.ID)
	}
	c.InboxSize = validation.DefaultOrInt(c.InboxSize, DefaultInboxSize)
	c.PendingSize = validation.DefaultOrInt(c.PendingSize, DefaultPendingSize)
	c.RequestRetry = validation.DefaultOrDuration(c.RequestRetry, DefaultRequestRetry)
	if c.Schema == nil {
		c.Schema = bigraph.DefaultSchema()
	}
}

// Snapshots archives and restores the cloud's master graph
type Snapshots interface {
	Archive(ctx context.Context, g bigraph.Bigraph) error
	Restore(ctx context.Context) (bigraph.Bigraph, error)
}

// Option configures optional agent collaborators
type Option func(*Agent)

// WithEngine sets the rule engine. Hubs require one.
func WithEngine(e engine.Engine) Option { return func(a *Agent) { a.engine = e } }

// WithOracle sets the decision oracle. Mids and the cloud require one.
func WithOracle(o oracle.Oracle) Option { return func(a *Agent) { a.oracle = o } }

// WithArchive archives every rule the agent dispatches or forwards
func WithArchive(r escalation.RuleArchive) Option { return func(a *Agent) { a.archive = r } }

// WithSnapshots uploads the master graph after each accepted merge
func WithSnapshots(s Snapshots) Option { return func(a *Agent) { a.snapshots = s } }

// WithAudit records decision loop outcomes
func WithAudit(l audit.Logger) Option { return func(a *Agent) { a.audit = l } }

// WithMetrics records agent metrics on r
func WithMetrics(r *metrics.Registry) Option { return func(a *Agent) { a.metrics = r } }

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option { return func(a *Agent) { a.logger = logging.OrNop(l) } }

type handlerFunc func(ctx context.Context, payload []byte)

type route struct {
	kind   string
	handle handlerFunc
}

// Agent is one tier instance
type Agent struct {
	cfg        Config
	broker     transport.Broker
	store      *GraphStore
	rules      *rules.Store
	engine     engine.Engine
	oracle     oracle.Oracle
	controller *escalation.Controller
	archive    escalation.RuleArchive
	snapshots  Snapshots
	audit      audit.Logger
	metrics    *metrics.Registry
	logger     logging.Logger
	merger     *partition.Merger
	state      *StateMachine
	pending    *Pending[transport.Event]
	routes     map[string]route
	now        func() time.Time

	// owned by the processing goroutine
	requestedAt time.Time
	lastRev     int64

	degradedMu     sync.Mutex
	degradedDetail string

	runOnce sync.Once
	started chan struct{}
}

// NewAgent builds an agent for cfg.Kind
func NewAgent(cfg Config, broker transport.Broker, opts ...Option) (*Agent, error) {
	switch cfg.Kind {
	case KindHub, KindMid, KindCloud:
	default:
		return nil, fmt.Errorf("unknown tier kind %q", cfg.Kind)
	}
	if err := validation.ValidateTierID(cfg.ID); err != nil {
		return nil, fmt.Errorf("tier id: %w", err)
	}
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	cfg.applyDefaults()

	a := &Agent{
		cfg:     cfg,
		broker:  broker,
		store:   NewGraphStore(cfg.StatePath),
		logger:  logging.NewNopLogger(),
		pending: NewPending[transport.Event](cfg.PendingSize),
		now:     time.Now,
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logging.Component("agent"), logging.Tier(cfg.Kind), logging.String("tier_id", cfg.ID))
	a.merger = partition.NewMerger(a.logger)
	a.state = NewStateMachine(a.stateChanged)

	if cfg.Kind != KindCloud {
		store, err := rules.NewStore(cfg.RulesDir)
		if err != nil {
			return nil, err
		}
		a.rules = store
	}
	if cfg.Kind == KindHub && a.engine == nil {
		return nil, errors.New("hub agent requires a rule engine")
	}
	if cfg.Kind != KindHub {
		if a.oracle == nil {
			return nil, fmt.Errorf("%s agent requires a decision oracle", cfg.Kind)
		}
		a.controller = a.newController()
	}
	a.routes = a.buildRoutes()
	return a, nil
}

func (a *Agent) newController() *escalation.Controller {
	var kv transport.KeyValue
	if k, ok := a.broker.(transport.KeyValue); ok {
		kv = k
	}

	var d escalation.Dispatcher
	if a.cfg.Kind == KindMid {
		d = escalation.NewMidDispatcher(a.broker, kv, a.metrics, a.logger)
	} else {
		d = escalation.NewCloudDispatcher(a.broker, kv, a.metrics, a.logger)
	}

	opts := []escalation.Option{escalation.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, escalation.WithMetrics(a.metrics))
	}
	if a.audit != nil {
		opts = append(opts, escalation.WithAudit(a.audit))
	}
	if a.archive != nil {
		opts = append(opts, escalation.WithArchive(a.archive))
	}

	return escalation.NewController(escalation.Config{
		Tier:          a.cfg.Kind,
		TierID:        a.cfg.ID,
		MaxSteps:      a.cfg.MaxSteps,
		OracleTimeout: a.cfg.OracleTimeout,
		Schema:        a.cfg.Schema,
		DataDir:       a.cfg.DataDir,
	}, a.oracle, a.store, d, opts...)
}

func (a *Agent) buildRoutes() map[string]route {
	id := a.cfg.ID
	switch a.cfg.Kind {
	case KindHub:
		return map[string]route{
			transport.EventsChannel(id):   {"event", a.onEvent},
			transport.HubRulesChannel(id): {"rules", a.onRule},
			transport.HubGraphChannel(id): {"graph", a.onGraph},
		}
	case KindMid:
		return map[string]route{
			transport.MidGraphChannel(id):    {"graph", a.onGraph},
			transport.MidRequestsChannel(id): {"request", a.onRequest},
			transport.MidRulesOutChannel(id): {"rules_out", a.onRulesOut},
			transport.MidRulesChannel(id):    {"rules", a.onRule},
		}
	default:
		return map[string]route{
			transport.BuildingRequests: {"request", a.onRequest},
		}
	}
}

// Channels lists the channels the agent subscribes to
func (a *Agent) Channels() []string {
	out := make([]string, 0, len(a.routes))
	for ch := range a.routes {
		out = append(out, ch)
	}
	return out
}

// Run subscribes, performs startup and processes messages until ctx is
// cancelled. It may be called once.
func (a *Agent) Run(ctx context.Context) error {
	err := errors.New("agent already ran")
	a.runOnce.Do(func() { err = a.run(ctx) })
	return err
}

func (a *Agent) run(ctx context.Context) error {
	sub, err := a.broker.Subscribe(ctx, a.Channels()...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	inbox := make(chan transport.Message, a.cfg.InboxSize)
	go pump(ctx, sub, inbox)

	a.logger.Info("agent started", logging.Count(len(a.routes)))
	a.startup(ctx)
	close(a.started)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case msg, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription closed")
			}
			a.handle(ctx, msg)
		}
	}
}

// pump moves subscription messages into the bounded inbox, blocking when
// the inbox is full
func pump(ctx context.Context, sub transport.Subscription, inbox chan<- transport.Message) {
	defer close(inbox)
	for msg := range sub.Channel() {
		select {
		case inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Started is closed once the agent has subscribed and run its startup
func (a *Agent) Started() <-chan struct{} {
	return a.started
}

func (a *Agent) handle(ctx context.Context, msg transport.Message) {
	r, ok := a.routes[msg.Channel]
	if !ok {
		a.logger.Debug("message on unrouted channel", logging.Channel(msg.Channel))
		return
	}
	if a.metrics != nil {
		a.metrics.RecordMessage(a.cfg.Kind, r.kind)
	}
	r.handle(ctx, msg.Payload)
}

// startup runs once, after subscribing
func (a *Agent) startup(ctx context.Context) {
	if a.cfg.Kind == KindCloud {
		a.startCloud(ctx)
		return
	}

	g, err := a.store.Load()
	switch {
	case err == nil:
		a.observeGraph(g)
		a.transition(StateReady)
	case errors.Is(err, ErrNoGraph):
		a.transition(StateAwaitingGraph)
		a.requestGraph(ctx, "init")
	default:
		a.degrade("load graph: " + err.Error())
	}
}

// State returns the current state
func (a *Agent) State() State {
	return a.state.Current()
}

// Store returns the agent's graph store
func (a *Agent) Store() *GraphStore {
	return a.store
}

// GraphStats reports the node count and revision of the last known graph
func (a *Agent) GraphStats() (nodes int, revTS int64) {
	g, ok := a.store.Snapshot()
	if !ok {
		return 0, 0
	}
	rev, _ := partition.RevisionOf(g)
	return g.Len(), rev.TS
}

// PendingStats reports the pending buffer size and capacity
func (a *Agent) PendingStats() (size, capacity int) {
	return a.pending.Len(), a.pending.Cap()
}

// DegradedDetail returns why the agent degraded, if it has
func (a *Agent) DegradedDetail() string {
	a.degradedMu.Lock()
	defer a.degradedMu.Unlock()
	return a.degradedDetail
}

// Recover leaves DEGRADED. The agent returns to READY if its graph loads,
// else to AWAITING_GRAPH.
func (a *Agent) Recover() error {
	next := StateAwaitingGraph
	if _, err := a.store.Load(); err == nil {
		next = StateReady
	}
	if err := a.state.Recover(next); err != nil {
		return err
	}
	a.degradedMu.Lock()
	a.degradedDetail = ""
	a.degradedMu.Unlock()
	a.logger.Info("agent recovered", logging.State(next.String()))
	return nil
}

func (a *Agent) stateChanged(from, to State) {
	if a.metrics != nil {
		a.metrics.SetTierState(a.cfg.Kind, to.String())
	}
	a.logger.Debug("state changed", logging.String("from", from.String()), logging.State(to.String()))
}

// transition logs instead of failing; callers only move along edges the
// table allows from the states they check
func (a *Agent) transition(next State) {
	if err := a.state.Transition(next); err != nil {
		a.logger.Debug("transition skipped", logging.Error(err))
	}
}

func (a *Agent) degrade(detail string) {
	a.degradedMu.Lock()
	a.degradedDetail = detail
	a.degradedMu.Unlock()
	if a.state.Current() != StateDegraded {
		a.transition(StateDegraded)
	}
	a.logger.Error("agent degraded", logging.String("detail", detail))
}

// settle returns from PROCESSING to READY
func (a *Agent) settle() {
	if a.state.Current() == StateProcessing {
		a.transition(StateReady)
	}
}

func (a *Agent) observeGraph(g bigraph.Bigraph) {
	if a.metrics == nil {
		return
	}
	rev, _ := partition.RevisionOf(g)
	a.metrics.UpdateGraph(a.cfg.Kind, g.Len(), rev.TS)
}

// nextRev issues strictly increasing revision stamps for pushed slices
func (a *Agent) nextRev() int64 {
	ts := a.now().UnixMilli()
	if ts <= a.lastRev {
		ts = a.lastRev + 1
	}
	a.lastRev = ts
	return ts
}

// publishSlice pushes the subtree at rootID, stamped with a fresh
// revision, to channel
func (a *Agent) publishSlice(ctx context.Context, g bigraph.Bigraph, rootID int, channel string) error {
	slice, err := partition.Slice(g, rootID)
	if err != nil {
		return err
	}
	if err := partition.StampRevision(&slice, rootID, a.nextRev(), a.cfg.ID); err != nil {
		return err
	}
	data, err := bigraph.EncodeGraph(slice)
	if err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish slice to %s: %w", channel, err)
	}
	if a.metrics != nil {
		a.metrics.SlicesPublished.WithLabelValues(a.cfg.Kind).Inc()
	}
	a.logger.Info("slice pushed", logging.Channel(channel), logging.NodeID(rootID), logging.Count(slice.Len()))
	return nil
}
