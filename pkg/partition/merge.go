package partition

import (
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// MatchKind says how an update root was located in the base tree
type MatchKind string

const (
	MatchUID  MatchKind = "uid"
	MatchName MatchKind = "name"
	MatchID   MatchKind = "id"
	MatchNone MatchKind = "none"
)

// RootMatch records the base node an update root replaced
type RootMatch struct {
	UpdateRoot int
	BaseNode   int
	Kind       MatchKind
}

// MergeReport lists the match found for every update root
type MergeReport struct {
	Matches []RootMatch
}

// Kinds returns the match kinds in update-root order
func (r MergeReport) Kinds() []MatchKind {
	out := make([]MatchKind, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.Kind
	}
	return out
}

// Merger joins subtrees reported by child tiers into a parent's tree
type Merger struct {
	logger logging.Logger
}

// NewMerger creates a merger that reports name-only matches on logger
func NewMerger(logger logging.Logger) *Merger {
	return &Merger{logger: logging.OrNop(logger)}
}

// Merge replaces each matched subtree of base with the corresponding
// update subtree. Unmatched update roots are appended. Base is not
// modified.
func Merge(update, base bigraph.Bigraph) (bigraph.Bigraph, MergeReport) {
	return NewMerger(nil).Merge(update, base)
}

// Merge implements the package-level Merge with logging
func (m *Merger) Merge(update, base bigraph.Bigraph) (bigraph.Bigraph, MergeReport) {
	merged := base.Clone()
	var report MergeReport

	for _, root := range Roots(update) {
		sub, err := Slice(update, root.ID)
		if err != nil {
			continue
		}

		target, kind := findMatch(root, merged)
		report.Matches = append(report.Matches, RootMatch{UpdateRoot: root.ID, BaseNode: target, Kind: kind})

		if kind == MatchNone {
			merged.Nodes = appendNew(merged.Nodes, sub.Nodes, merged.IDs())
			continue
		}
		if kind == MatchName {
			m.logger.Warn("subtree merged by name only",
				logging.NodeID(root.ID),
				logging.Int("base_node_id", target),
				logging.String("name", root.NameLike()))
		}

		anchor := bigraph.NoParent
		if n, ok := merged.Find(target); ok {
			anchor = n.Parent
		}
		drop := SubtreeIDs(merged, target)
		kept := merged.Nodes[:0:0]
		for _, n := range merged.Nodes {
			if _, gone := drop[n.ID]; !gone {
				kept = append(kept, n)
			}
		}
		merged.Nodes = kept

		// The replacement root takes the replaced node's place under its parent.
		present := merged.IDs()
		if _, ok := present[anchor]; ok {
			for i := range sub.Nodes {
				if sub.Nodes[i].ID == root.ID {
					sub.Nodes[i].Parent = anchor
				}
			}
		}
		merged.Nodes = appendNew(merged.Nodes, sub.Nodes, present)
	}
	return merged, report
}

// findMatch locates root in base by uid, then name-like value, then id
func findMatch(root bigraph.Node, base bigraph.Bigraph) (int, MatchKind) {
	if uid := root.UID(); uid != "" {
		for _, n := range base.Nodes {
			if n.UID() == uid {
				return n.ID, MatchUID
			}
		}
	}
	if name := root.NameLike(); name != "" {
		for _, n := range base.Nodes {
			if n.NameLike() == name {
				return n.ID, MatchName
			}
		}
	}
	if _, ok := base.Find(root.ID); ok {
		return root.ID, MatchID
	}
	return 0, MatchNone
}

// appendNew appends nodes whose ids are not yet present
func appendNew(dst, src []bigraph.Node, present map[int]struct{}) []bigraph.Node {
	for _, n := range src {
		if _, ok := present[n.ID]; ok {
			continue
		}
		present[n.ID] = struct{}{}
		dst = append(dst, n.Clone())
	}
	return dst
}
