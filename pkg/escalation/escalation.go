// Package escalation runs the bounded decision loop a mid or cloud tier
// uses when a child escalates an event: ask the oracle, validate and
// scope any proposed rules, and dispatch accepted rules downward.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/audit"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
)

// DefaultMaxSteps bounds the loop when Config.MaxSteps is unset
const DefaultMaxSteps = 10

// maxHistoryResult caps how much of a step result is fed back
const maxHistoryResult = 4000

var (
	// ErrScopeViolation marks a rule that references nodes outside the
	// requester's subtree
	ErrScopeViolation = errors.New("node ids out of scope")
	// ErrEscalateNotNoop marks an escalate-marker rule that would change
	// the graph
	ErrEscalateNotNoop = bigraph.ErrEscalateNotNoop
	// ErrMissingArgument marks an action without its required argument
	ErrMissingArgument = errors.New("missing argument")
	// ErrOutsideDataDir marks a file path that leaves the data directory
	ErrOutsideDataDir = errors.New("path outside data directory")
)

// Outcome is how a decision loop ended
type Outcome int

const (
	OutcomeNoop Outcome = iota
	OutcomeEscalate
	OutcomePublished
	OutcomeBudgetExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return audit.OutcomeNoop
	case OutcomeEscalate:
		return audit.OutcomeEscalate
	case OutcomePublished:
		return audit.OutcomePublished
	case OutcomeBudgetExhausted:
		return audit.OutcomeBudgetExhausted
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request is one escalation handed to the loop
type Request struct {
	HubID     string
	MidID     string
	Event     json.RawMessage
	Reason    string
	RequestID string
}

// Result reports the outcome of Run. Err is set when the loop could not
// run at all (the graph was unreadable or dispatch failed); Outcome is
// then OutcomeEscalate.
type Result struct {
	Outcome Outcome
	Steps   int
	Rules   []string
	Detail  string
	Err     error
}

// GraphSource yields the tier's current canonical graph
type GraphSource interface {
	Load() (bigraph.Bigraph, error)
}

// RuleArchive keeps dispatched rules by name
type RuleArchive interface {
	Put(rule bigraph.Rule) error
}

// Config configures a Controller
type Config struct {
	// Tier is "mid" or "cloud"; it selects the operation catalog
	Tier          string
	TierID        string
	MaxSteps      int
	OracleTimeout time.Duration
	Schema        *bigraph.Schema
	// DataDir anchors relative paths given to load and save operations
	DataDir string
}

// Controller runs decision loops for one tier
type Controller struct {
	cfg        Config
	oracle     oracle.Oracle
	graphs     GraphSource
	dispatcher Dispatcher
	archive    RuleArchive
	audit      audit.Logger
	metrics    *metrics.Registry
	logger     logging.Logger
	merger     *partition.Merger
	now        func() time.Time
}

// Option configures optional Controller collaborators
type Option func(*Controller)

// WithArchive archives every dispatched rule
func WithArchive(a RuleArchive) Option { return func(c *Controller) { c.archive = a } }

// WithAudit records every outcome
func WithAudit(l audit.Logger) Option { return func(c *Controller) { c.audit = l } }

// WithMetrics records loop metrics on r
func WithMetrics(r *metrics.Registry) Option { return func(c *Controller) { c.metrics = r } }

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option { return func(c *Controller) { c.logger = logging.OrNop(l) } }

// NewController creates a controller
func NewController(cfg Config, o oracle.Oracle, graphs GraphSource, d Dispatcher, opts ...Option) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = oracle.DefaultTimeout
	}
	if cfg.Schema == nil {
		cfg.Schema = bigraph.DefaultSchema()
	}
	c := &Controller{
		cfg:        cfg,
		oracle:     o,
		graphs:     graphs,
		dispatcher: d,
		logger:     logging.NewNopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.merger = partition.NewMerger(c.logger)
	return c
}

// run is the per-request loop state
type run struct {
	req     Request
	scope   scope
	view    *workingView
	history []oracle.HistoryEntry
}

// Run executes the decision loop for req
func (c *Controller) Run(ctx context.Context, req Request) Result {
	logger := c.logger.With(logging.HubID(req.HubID), logging.MidID(req.MidID), logging.Reason(req.Reason))
	if req.RequestID != "" {
		logger = logger.With(logging.String("request_id", req.RequestID))
	}

	res := c.loop(ctx, req, logger)
	c.record(ctx, req, res, logger)
	return res
}

func (c *Controller) loop(ctx context.Context, req Request, logger logging.Logger) Result {
	g, err := c.graphs.Load()
	if err != nil {
		return Result{Outcome: OutcomeEscalate, Err: fmt.Errorf("load graph: %w", err)}
	}

	r := &run{
		req:   req,
		scope: newScope(g, req.HubID, logger),
		view:  newWorkingView(c.merger),
	}

	for step := 1; step <= c.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeEscalate, Steps: step - 1, Err: err}
		}

		// The store may have been rewritten by an earlier step or by
		// another message; always prompt from its current content.
		g, err := c.graphs.Load()
		if err != nil {
			return Result{Outcome: OutcomeEscalate, Steps: step, Err: fmt.Errorf("load graph: %w", err)}
		}
		r.view.rebase(g)

		prompt := oracle.BuildPrompt(oracle.PromptInput{
			Tier:      c.cfg.Tier,
			HubID:     req.HubID,
			MidID:     req.MidID,
			Reason:    req.Reason,
			Event:     req.Event,
			Subgraph:  r.scope.slice(r.view.graph()),
			Catalog:   oracle.Catalog(c.cfg.Tier),
			History:   r.history,
			Schema:    c.cfg.Schema,
			StepsLeft: c.cfg.MaxSteps - step + 1,
		})

		start := c.now()
		d := oracle.Ask(ctx, c.oracle, prompt, c.cfg.OracleTimeout)
		action := d.Action
		if d.Kind != oracle.KindAction {
			action = d.Kind.String()
		}
		if c.metrics != nil {
			c.metrics.RecordOracleStep(c.cfg.Tier, action, c.now().Sub(start))
		}
		logger.Debug("oracle decision", logging.Step(step), logging.Action(action))

		switch {
		case d.Kind != oracle.KindAction:
			return Result{Outcome: OutcomeEscalate, Steps: step, Detail: "oracle " + d.Kind.String()}
		case !oracle.Permitted(c.cfg.Tier, d.Action):
			return Result{Outcome: OutcomeEscalate, Steps: step, Detail: "action not permitted: " + d.Action}
		}

		switch d.Action {
		case oracle.ActionNoop:
			return Result{Outcome: OutcomeNoop, Steps: step}

		case oracle.ActionEscalate:
			return Result{Outcome: OutcomeEscalate, Steps: step, Detail: "oracle chose escalate"}

		case oracle.ActionPublishRule, oracle.ActionPublishBatch:
			specs, err := ruleSpecs(d)
			if err == nil {
				var names []string
				names, err = c.publish(ctx, r, specs)
				if err == nil {
					logger.Info("rules dispatched", logging.Step(step), logging.Count(len(names)))
					return Result{Outcome: OutcomePublished, Steps: step, Rules: names}
				}
				var dispatchErr *dispatchError
				if errors.As(err, &dispatchErr) {
					return Result{Outcome: OutcomeEscalate, Steps: step, Err: err}
				}
			}
			c.reject(err)
			logger.Warn("rule rejected", logging.Step(step), logging.Error(err))
			r.note(step, d, "", err)

		case oracle.ActionQueryState:
			out, err := c.queryState(ctx, r, d)
			r.note(step, d, out, err)

		case oracle.ActionLoadGraph:
			out, err := c.loadView(r, d)
			r.note(step, d, out, err)

		case oracle.ActionSaveGraph:
			out, err := c.saveView(r, d)
			r.note(step, d, out, err)
		}
	}

	return Result{Outcome: OutcomeBudgetExhausted, Steps: c.cfg.MaxSteps}
}

// note appends one step to the history shown in later prompts
func (r *run) note(step int, d oracle.Decision, result string, err error) {
	entry := oracle.HistoryEntry{Step: step, Action: d.Action}
	if len(d.Args) > 0 {
		entry.Args, _ = json.Marshal(d.Args)
	}
	if len(result) > maxHistoryResult {
		result = result[:maxHistoryResult] + "...(truncated)"
	}
	entry.Result = result
	if err != nil {
		entry.Error = err.Error()
	}
	r.history = append(r.history, entry)
}

func (c *Controller) reject(err error) {
	if c.metrics == nil {
		return
	}
	cause := "parse"
	switch {
	case errors.Is(err, ErrScopeViolation):
		cause = "scope"
	case errors.Is(err, ErrEscalateNotNoop):
		cause = "escalate_invariant"
	case errors.Is(err, bigraph.ErrUnknownControl),
		errors.Is(err, bigraph.ErrUnknownProperty),
		errors.Is(err, bigraph.ErrPropertyKind),
		errors.Is(err, bigraph.ErrOutOfRange),
		errors.Is(err, bigraph.ErrNotAllowed):
		cause = "schema"
	}
	c.metrics.RecordRejection(c.cfg.Tier, cause)
}

// record writes the outcome to metrics and the audit trail
func (c *Controller) record(ctx context.Context, req Request, res Result, logger logging.Logger) {
	outcome := res.Outcome.String()
	if res.Err != nil {
		outcome = audit.OutcomeError
		logger.Error("decision loop failed", logging.Error(res.Err), logging.Step(res.Steps))
	} else {
		logger.Info("decision loop finished",
			logging.String("outcome", outcome),
			logging.Step(res.Steps),
			logging.String("detail", res.Detail))
	}

	if c.metrics != nil {
		c.metrics.RecordDecision(c.cfg.Tier, outcome)
	}
	if c.audit == nil {
		return
	}

	event := &audit.Event{
		Tier:      c.cfg.Tier,
		TierID:    c.cfg.TierID,
		HubID:     req.HubID,
		MidID:     req.MidID,
		RequestID: req.RequestID,
		Reason:    req.Reason,
		Outcome:   outcome,
		Steps:     res.Steps,
		Rules:     res.Rules,
	}
	if res.Detail != "" {
		event.Metadata = map[string]any{"detail": res.Detail}
	}
	if res.Err != nil {
		event.Error = res.Err.Error()
	}
	if err := c.audit.Log(ctx, event); err != nil {
		logger.Warn("audit write failed", logging.Error(err))
	}
}
