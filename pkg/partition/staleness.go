package partition

import (
	"fmt"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// RevisionOf returns the revision carried on the tree's first root
func RevisionOf(tree bigraph.Bigraph) (bigraph.Revision, bool) {
	root, ok := RootNode(tree)
	if !ok {
		return bigraph.Revision{}, false
	}
	return bigraph.RevisionOf(root)
}

// IsStale reports whether incoming must be discarded in favour of
// current. A tree without a revision never makes an incoming tree stale;
// an incoming tree without a revision is stale against one that has it.
func IsStale(incoming, current bigraph.Bigraph) bool {
	cur, ok := RevisionOf(current)
	if !ok {
		return false
	}
	in, ok := RevisionOf(incoming)
	if !ok {
		return true
	}
	return in.TS <= cur.TS
}

// StampRevision sets rev_ts and rev_by on the node rootID in place
func StampRevision(tree *bigraph.Bigraph, rootID int, ts int64, by string) error {
	for i := range tree.Nodes {
		if tree.Nodes[i].ID == rootID {
			bigraph.Revision{TS: ts, By: by}.Stamp(&tree.Nodes[i])
			return nil
		}
	}
	return fmt.Errorf("stamp revision on %d: %w", rootID, bigraph.ErrNodeNotFound)
}

// BumpRevision stamps the first root with a revision strictly newer than
// the one it carries and returns it.
func BumpRevision(tree *bigraph.Bigraph, by string, nowMS int64) (bigraph.Revision, error) {
	root, ok := RootNode(*tree)
	if !ok {
		return bigraph.Revision{}, fmt.Errorf("bump revision: %w", bigraph.ErrNodeNotFound)
	}
	cur, _ := bigraph.RevisionOf(root)
	next := bigraph.Revision{TS: max(nowMS, cur.TS+1), By: by}
	if err := StampRevision(tree, root.ID, next.TS, next.By); err != nil {
		return bigraph.Revision{}, err
	}
	return next, nil
}
