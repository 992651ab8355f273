// Package bigraph holds the tree model shared by every tier: nodes with
// typed properties, bigraph snapshots, rewrite rules, and the binary codec
// used on the wire and on disk.
package bigraph

import (
	"slices"
	"sort"
	"strings"
)

// NoParent marks a root node
const NoParent = -1

// EscalatePrefix marks rules that only exist to trigger escalation.
// Such rules must leave the graph unchanged.
const EscalatePrefix = "ESCALATE__"

// Well-known property keys
const (
	PropUID             = "uid"
	PropName            = "name"
	PropRevTS           = "rev_ts"
	PropRevBy           = "rev_by"
	PropHubID           = "hub_id"
	PropMidID           = "mid_id"
	PropManagesSelector = "manages_selector"
	PropRegionSelector  = "region_selector"
)

// Well-known controls
const (
	ControlHub       = "Hub"
	ControlMidServer = "MidServer"
	ControlRoom      = "Room"
)

// Node is a single place in the tree
type Node struct {
	ID         int              `cbor:"1,keyasint" json:"id"`
	Control    string           `cbor:"2,keyasint" json:"control"`
	Parent     int              `cbor:"3,keyasint" json:"parent"`
	Properties map[string]Value `cbor:"4,keyasint,omitempty" json:"properties,omitempty"`
	Name       string           `cbor:"5,keyasint,omitempty" json:"name,omitempty"`
	Type       string           `cbor:"6,keyasint,omitempty" json:"type,omitempty"`
	Ports      []int            `cbor:"7,keyasint,omitempty" json:"ports,omitempty"`
}

// Bigraph is a snapshot of a forest of nodes
type Bigraph struct {
	Nodes     []Node   `cbor:"1,keyasint" json:"nodes"`
	SiteCount int      `cbor:"2,keyasint,omitempty" json:"siteCount,omitempty"`
	Names     []string `cbor:"3,keyasint,omitempty" json:"names,omitempty"`
}

// Rule is a rewrite from Redex to Reactum. Target names the hub the
// rule is addressed to, if any.
type Rule struct {
	Name    string  `cbor:"1,keyasint" json:"name"`
	Redex   Bigraph `cbor:"2,keyasint" json:"redex"`
	Reactum Bigraph `cbor:"3,keyasint" json:"reactum"`
	Target  string  `cbor:"4,keyasint,omitempty" json:"hub_id,omitempty"`
}

// Clone creates a deep copy of a node
func (n Node) Clone() Node {
	clone := n
	if n.Properties != nil {
		clone.Properties = make(map[string]Value, len(n.Properties))
		for k, v := range n.Properties {
			clone.Properties[k] = v
		}
	}
	clone.Ports = slices.Clone(n.Ports)
	return clone
}

// Prop gets a property value
func (n Node) Prop(key string) (Value, bool) {
	v, ok := n.Properties[key]
	return v, ok
}

// StringProp returns a string property, or "" if absent or not a string
func (n Node) StringProp(key string) string {
	v, ok := n.Properties[key]
	if !ok {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return s
}

// SetProp sets a property, allocating the map if needed
func (n *Node) SetProp(key string, v Value) {
	if n.Properties == nil {
		n.Properties = make(map[string]Value)
	}
	n.Properties[key] = v
}

// NameLike returns the name property, falling back to the display name
func (n Node) NameLike() string {
	if s := n.StringProp(PropName); s != "" {
		return s
	}
	return n.Name
}

// UID returns the stable identity property, if any
func (n Node) UID() string {
	return n.StringProp(PropUID)
}

// IsRoot reports whether the node has no parent
func (n Node) IsRoot() bool {
	return n.Parent == NoParent
}

// Equal reports structural equality of two nodes
func (n Node) Equal(o Node) bool {
	if n.ID != o.ID || n.Control != o.Control || n.Parent != o.Parent ||
		n.Name != o.Name || n.Type != o.Type {
		return false
	}
	if !slices.Equal(n.Ports, o.Ports) {
		return false
	}
	if len(n.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range n.Properties {
		ov, ok := o.Properties[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the graph
func (g Bigraph) Clone() Bigraph {
	out := Bigraph{
		Nodes:     make([]Node, len(g.Nodes)),
		SiteCount: g.SiteCount,
		Names:     slices.Clone(g.Names),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}

// Len returns the number of nodes
func (g Bigraph) Len() int {
	return len(g.Nodes)
}

// Find returns the node with the given id
func (g Bigraph) Find(id int) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// IDs returns the set of node ids in the graph
func (g Bigraph) IDs() map[int]struct{} {
	ids := make(map[int]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	return ids
}

// Equal reports structural equality independent of node order.
// Site counts and name sets must match as well.
func (g Bigraph) Equal(o Bigraph) bool {
	if len(g.Nodes) != len(o.Nodes) || g.SiteCount != o.SiteCount {
		return false
	}
	if !slices.Equal(sortedStrings(g.Names), sortedStrings(o.Names)) {
		return false
	}
	a, b := sortedNodes(g.Nodes), sortedNodes(o.Nodes)
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func sortedNodes(nodes []Node) []Node {
	out := slices.Clone(nodes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedStrings(s []string) []string {
	out := slices.Clone(s)
	sort.Strings(out)
	return out
}

// IsEscalate reports whether the rule carries the escalate marker
func (r Rule) IsEscalate() bool {
	return strings.HasPrefix(r.Name, EscalatePrefix)
}

// ValidateEscalate rejects escalate-marker rules that would mutate state
func (r Rule) ValidateEscalate() error {
	if r.IsEscalate() && !r.Redex.Equal(r.Reactum) {
		return NewError("ValidateEscalate").Rule(r.Name).Cause(ErrEscalateNotNoop).Err()
	}
	return nil
}

// ReferencedIDs returns every node id on either side of the rule
func (r Rule) ReferencedIDs() []int {
	ids := make([]int, 0, len(r.Redex.Nodes)+len(r.Reactum.Nodes))
	for _, n := range r.Redex.Nodes {
		ids = append(ids, n.ID)
	}
	for _, n := range r.Reactum.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
