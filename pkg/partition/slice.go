// Package partition cuts a building tree into per-tier subtrees and joins
// them back: containment slices downward, whole-subtree merges upward,
// revision-based staleness checks, and owner discovery for hubs and mids.
package partition

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// ErrRootNotFound is returned when a slice root is absent from the tree
var ErrRootNotFound = errors.New("slice root not found")

// SubtreeIDs returns rootID and every node whose parent chain reaches it
func SubtreeIDs(tree bigraph.Bigraph, rootID int) map[int]struct{} {
	return bigraph.NewIndex(tree).Closure(rootID)
}

// Slice extracts the subtree rooted at rootID. Nodes keep their original
// order; a parent outside the kept set becomes NoParent, so the slice root
// is always a root of the result.
func Slice(tree bigraph.Bigraph, rootID int) (bigraph.Bigraph, error) {
	ix := bigraph.NewIndex(tree)
	if !ix.Contains(rootID) {
		return bigraph.Bigraph{}, fmt.Errorf("slice %d: %w", rootID, ErrRootNotFound)
	}
	keep := ix.Closure(rootID)

	out := bigraph.Bigraph{
		Nodes:     make([]bigraph.Node, 0, len(keep)),
		SiteCount: tree.SiteCount,
		Names:     append([]string(nil), tree.Names...),
	}
	seen := make(map[int]struct{}, len(keep))
	for _, n := range tree.Nodes {
		if _, ok := keep[n.ID]; !ok {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}

		c := n.Clone()
		if _, ok := keep[c.Parent]; !ok || c.ID == rootID {
			c.Parent = bigraph.NoParent
		}
		out.Nodes = append(out.Nodes, c)
	}
	return out, nil
}

// Roots returns the nodes whose parent is NoParent or not in the tree
func Roots(tree bigraph.Bigraph) []bigraph.Node {
	ids := tree.IDs()
	var roots []bigraph.Node
	for _, n := range tree.Nodes {
		if n.IsRoot() {
			roots = append(roots, n)
			continue
		}
		if _, ok := ids[n.Parent]; !ok {
			roots = append(roots, n)
		}
	}
	return roots
}

// RootNode returns the first root of tree, the node that carries the
// tier revision.
func RootNode(tree bigraph.Bigraph) (bigraph.Node, bool) {
	roots := Roots(tree)
	if len(roots) == 0 {
		return bigraph.Node{}, false
	}
	return roots[0], true
}
