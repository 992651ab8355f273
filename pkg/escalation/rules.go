package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/graphql"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/validation"
)

// scope is the part of the graph a requester's rules may touch
type scope struct {
	root    int
	whole   bool
	allowed map[int]struct{}
}

func newScope(g bigraph.Bigraph, hubID string, logger logging.Logger) scope {
	if root, ok := partition.FindHubRoot(g, hubID); ok {
		return scope{root: root, allowed: partition.SubtreeIDs(g, root)}
	}
	logging.OrNop(logger).Warn("no subtree found for requester; scoping to the whole graph")
	return scope{whole: true, allowed: g.IDs()}
}

// slice returns the scoped part of g
func (s scope) slice(g bigraph.Bigraph) bigraph.Bigraph {
	if s.whole {
		return g
	}
	sub, err := partition.Slice(g, s.root)
	if err != nil {
		return bigraph.Bigraph{Nodes: []bigraph.Node{}}
	}
	return sub
}

// check rejects specs that reference ids outside the scope, through
// either a node id or a flat parent pointer
func (s scope) check(spec bigraph.RuleSpec) error {
	seen := make(map[int]struct{})
	var bad []int
	flag := func(id int) {
		if _, ok := s.allowed[id]; ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		bad = append(bad, id)
	}

	var walk func([]bigraph.NodeSpec)
	walk = func(specs []bigraph.NodeSpec) {
		for _, ns := range specs {
			if ns.ID != nil {
				flag(*ns.ID)
			}
			if ns.Parent != nil && *ns.Parent != bigraph.NoParent {
				flag(*ns.Parent)
			}
			walk(ns.Children)
		}
	}
	walk(spec.Redex)
	walk(spec.Reactum)

	if len(bad) > 0 {
		sort.Ints(bad)
		return fmt.Errorf("rule %q: %w: %v", spec.Name, ErrScopeViolation, bad)
	}
	return nil
}

// ruleSpecs extracts the proposed rules from a publish decision
func ruleSpecs(d oracle.Decision) ([]bigraph.RuleSpec, error) {
	if d.Action == oracle.ActionPublishRule {
		var spec bigraph.RuleSpec
		if !d.Arg("rule", &spec) {
			return nil, fmt.Errorf("%w: rule (missing or malformed)", ErrMissingArgument)
		}
		return []bigraph.RuleSpec{spec}, nil
	}

	var specs []bigraph.RuleSpec
	if !d.Arg("rules", &specs) || len(specs) == 0 {
		return nil, fmt.Errorf("%w: rules (missing, empty or malformed)", ErrMissingArgument)
	}
	return specs, nil
}

// Dispatch is one accepted rule and its encoding
type Dispatch struct {
	Rule bigraph.Rule
	Data []byte
}

// prepare validates every spec, then converts them all. Nothing is
// returned unless the whole batch is acceptable.
func prepare(specs []bigraph.RuleSpec, sc scope, req Request, schema *bigraph.Schema) ([]Dispatch, error) {
	for i := range specs {
		spec := &specs[i]
		if spec.HubID == "" {
			spec.HubID = req.HubID
		}
		if err := validation.ValidateTierID(spec.HubID); err != nil {
			return nil, fmt.Errorf("rule %q target: %w", spec.Name, err)
		}
		if err := spec.CheckSchema(schema); err != nil {
			return nil, err
		}
		if err := sc.check(*spec); err != nil {
			return nil, err
		}
		if err := spec.ValidateEscalate(); err != nil {
			return nil, err
		}
	}

	out := make([]Dispatch, 0, len(specs))
	for i := range specs {
		spec := specs[i]
		// Escalate rules must stay identical on both sides
		if !spec.IsEscalate() {
			spec.MintUIDs(func() string { return bigraph.NewUID("n") })
		}
		rule, err := spec.ToRule()
		if err != nil {
			return nil, err
		}
		data, err := bigraph.EncodeRule(rule)
		if err != nil {
			return nil, err
		}
		out = append(out, Dispatch{Rule: rule, Data: data})
	}
	return out, nil
}

type dispatchError struct{ err error }

func (e *dispatchError) Error() string { return "dispatch: " + e.err.Error() }
func (e *dispatchError) Unwrap() error { return e.err }

// publish validates, dispatches and archives specs, returning rule names
func (c *Controller) publish(ctx context.Context, r *run, specs []bigraph.RuleSpec) ([]string, error) {
	batch, err := prepare(specs, r.scope, r.req, c.cfg.Schema)
	if err != nil {
		return nil, err
	}
	if err := c.dispatcher.Dispatch(ctx, r.req, batch); err != nil {
		return nil, &dispatchError{err}
	}

	names := make([]string, len(batch))
	for i, d := range batch {
		names[i] = d.Rule.Name
		if c.archive == nil {
			continue
		}
		if err := c.archive.Put(d.Rule); err != nil {
			c.logger.Warn("rule archive write failed", logging.Rule(d.Rule.Name), logging.Error(err))
		}
	}
	return names, nil
}

// queryState answers query_state: the scoped subgraph, or a GraphQL
// query over it
func (c *Controller) queryState(ctx context.Context, r *run, d oracle.Decision) (string, error) {
	sub := r.scope.slice(r.view.graph())

	var query string
	if d.Arg("query", &query) && query != "" {
		exec, err := graphql.NewExecutor(func() bigraph.Bigraph { return sub }, nil, graphql.DefaultMaxDepth)
		if err != nil {
			return "", err
		}
		out, err := exec.Query(ctx, query)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
