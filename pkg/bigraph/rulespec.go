package bigraph

import (
	"fmt"
	"strings"
)

// NodeSpec is the JSON form of a node as written by the decision oracle
// or the authoring tool. Children may be nested, or Parent may be set
// explicitly on a flat list.
type NodeSpec struct {
	ID         *int             `json:"id,omitempty"`
	Control    string           `json:"control"`
	Name       string           `json:"name,omitempty"`
	Type       string           `json:"type,omitempty"`
	Parent     *int             `json:"parent,omitempty"`
	Properties map[string]Value `json:"properties,omitempty"`
	Ports      []int            `json:"ports,omitempty"`
	Children   []NodeSpec       `json:"children,omitempty"`
}

// RuleSpec is the JSON form of a rule
type RuleSpec struct {
	Name    string     `json:"name"`
	HubID   string     `json:"hub_id,omitempty"`
	Redex   []NodeSpec `json:"redex"`
	Reactum []NodeSpec `json:"reactum"`
}

// IsEscalate reports whether the spec name carries the escalate marker
func (s RuleSpec) IsEscalate() bool {
	return strings.HasPrefix(s.Name, EscalatePrefix)
}

// ReferencedIDs returns every explicit node id on either side, including
// nested children. Nodes without an id are new and not listed.
func (s RuleSpec) ReferencedIDs() []int {
	var ids []int
	var walk func([]NodeSpec)
	walk = func(specs []NodeSpec) {
		for _, ns := range specs {
			if ns.ID != nil {
				ids = append(ids, *ns.ID)
			}
			walk(ns.Children)
		}
	}
	walk(s.Redex)
	walk(s.Reactum)
	return ids
}

// EachReactumNode calls fn on every reactum node, nested ones included
func (s *RuleSpec) EachReactumNode(fn func(*NodeSpec)) {
	var walk func([]NodeSpec)
	walk = func(specs []NodeSpec) {
		for i := range specs {
			fn(&specs[i])
			walk(specs[i].Children)
		}
	}
	walk(s.Reactum)
}

// MintUIDs gives every reactum node without a uid a fresh one
func (s *RuleSpec) MintUIDs(mint func() string) {
	s.EachReactumNode(func(ns *NodeSpec) {
		if v, ok := ns.Properties[PropUID]; ok {
			if str, err := v.AsString(); err == nil && str != "" {
				return
			}
		}
		if ns.Properties == nil {
			ns.Properties = make(map[string]Value)
		}
		ns.Properties[PropUID] = StringValue(mint())
	})
}

// ToRule converts the spec into a Rule. Nodes without an id get fresh
// ids above the largest explicit id in the spec.
func (s RuleSpec) ToRule() (Rule, error) {
	if strings.TrimSpace(s.Name) == "" {
		return Rule{}, NewError("ToRule").Rule(s.Name).Context("missing name").Cause(ErrInvalidRule).Err()
	}
	next := s.firstFreeID()
	redex, err := flatten(s.Redex, &next)
	if err != nil {
		return Rule{}, NewError("ToRule").Rule(s.Name).Context("redex: " + err.Error()).Cause(ErrInvalidRule).Err()
	}
	reactum, err := flatten(s.Reactum, &next)
	if err != nil {
		return Rule{}, NewError("ToRule").Rule(s.Name).Context("reactum: " + err.Error()).Cause(ErrInvalidRule).Err()
	}
	return Rule{Name: s.Name, Redex: redex, Reactum: reactum, Target: s.HubID}, nil
}

// ValidateEscalate rejects escalate-marker specs whose two sides differ.
// Both sides number id-less nodes from the same start so equal patterns
// compare equal.
func (s RuleSpec) ValidateEscalate() error {
	if !s.IsEscalate() {
		return nil
	}
	a, b := s.firstFreeID(), s.firstFreeID()
	redex, err := flatten(s.Redex, &a)
	if err != nil {
		return NewError("ValidateEscalate").Rule(s.Name).Context("redex: " + err.Error()).Cause(ErrInvalidRule).Err()
	}
	reactum, err := flatten(s.Reactum, &b)
	if err != nil {
		return NewError("ValidateEscalate").Rule(s.Name).Context("reactum: " + err.Error()).Cause(ErrInvalidRule).Err()
	}
	if !redex.Equal(reactum) {
		return NewError("ValidateEscalate").Rule(s.Name).Cause(ErrEscalateNotNoop).Err()
	}
	return nil
}

func (s RuleSpec) firstFreeID() int {
	next := 0
	for _, id := range s.ReferencedIDs() {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// CheckSchema validates every node on both sides against schema
func (s RuleSpec) CheckSchema(schema *Schema) error {
	var walk func([]NodeSpec) error
	walk = func(specs []NodeSpec) error {
		for _, ns := range specs {
			if err := schema.Check(ns.Control, ns.Properties); err != nil {
				return err
			}
			if err := walk(ns.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.Redex); err != nil {
		return fmt.Errorf("rule %q redex: %w", s.Name, err)
	}
	if err := walk(s.Reactum); err != nil {
		return fmt.Errorf("rule %q reactum: %w", s.Name, err)
	}
	return nil
}

// flatten turns nested specs into a flat Bigraph in depth-first order
func flatten(specs []NodeSpec, next *int) (Bigraph, error) {
	g := Bigraph{Nodes: []Node{}}
	var visit func(ns NodeSpec, parent int) error
	visit = func(ns NodeSpec, parent int) error {
		if ns.Control == "" {
			return fmt.Errorf("node without control")
		}
		id := *next
		if ns.ID != nil {
			id = *ns.ID
		} else {
			*next++
		}
		if ns.Parent != nil && parent == NoParent {
			parent = *ns.Parent
		}
		n := Node{
			ID:         id,
			Control:    ns.Control,
			Parent:     parent,
			Properties: make(map[string]Value, len(ns.Properties)),
			Name:       ns.Name,
			Type:       ns.Type,
			Ports:      append([]int(nil), ns.Ports...),
		}
		for k, v := range ns.Properties {
			n.Properties[k] = v
		}
		g.Nodes = append(g.Nodes, n)
		for _, child := range ns.Children {
			if err := visit(child, id); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ns := range specs {
		if err := visit(ns, NoParent); err != nil {
			return Bigraph{}, err
		}
	}
	// Flat lists may reference parents outside the pattern; those become roots.
	ids := g.IDs()
	for i := range g.Nodes {
		if g.Nodes[i].Parent != NoParent {
			if _, ok := ids[g.Nodes[i].Parent]; !ok {
				g.Nodes[i].Parent = NoParent
			}
		}
	}
	if err := g.Validate(); err != nil {
		return Bigraph{}, err
	}
	return g, nil
}
