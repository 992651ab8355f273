package partition

import (
	"strconv"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// Owner is a tier instance and the root of the subtree it owns
type Owner struct {
	ID     string
	RootID int
}

// ResolveSelector finds a node by uid, then name-like value, then
// decimal id.
func ResolveSelector(tree bigraph.Bigraph, sel string) (int, bool) {
	if sel == "" {
		return 0, false
	}
	for _, n := range tree.Nodes {
		if n.UID() == sel {
			return n.ID, true
		}
	}
	for _, n := range tree.Nodes {
		if n.NameLike() == sel {
			return n.ID, true
		}
	}
	if id, err := strconv.Atoi(sel); err == nil {
		if _, ok := tree.Find(id); ok {
			return id, true
		}
	}
	return 0, false
}

// ownerID returns the id property, else the name-like value, else the
// decimal node id.
func ownerID(n bigraph.Node, idProp string) string {
	if s := n.StringProp(idProp); s != "" {
		return s
	}
	if s := n.NameLike(); s != "" {
		return s
	}
	return strconv.Itoa(n.ID)
}

// ownerRoot resolves the selector property, else the node's parent,
// else the node itself.
func ownerRoot(tree bigraph.Bigraph, n bigraph.Node, selProp string) int {
	if sel := n.StringProp(selProp); sel != "" {
		if id, ok := ResolveSelector(tree, sel); ok {
			return id
		}
		return n.ID
	}
	if !n.IsRoot() {
		if _, ok := tree.Find(n.Parent); ok {
			return n.Parent
		}
	}
	return n.ID
}

func discover(tree bigraph.Bigraph, control, idProp, selProp string, byProperty bool) []Owner {
	var found []Owner
	for _, n := range tree.Nodes {
		if n.Control == control {
			found = append(found, Owner{ID: ownerID(n, idProp), RootID: ownerRoot(tree, n, selProp)})
		}
	}
	if byProperty {
		for _, n := range tree.Nodes {
			if id := n.StringProp(idProp); id != "" {
				found = append(found, Owner{ID: id, RootID: n.ID})
			}
		}
	}

	seen := make(map[string]struct{}, len(found))
	out := found[:0:0]
	for _, o := range found {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, o)
	}
	return out
}

// DiscoverHubs lists every hub in tree with the root of the room it
// manages. Hub control nodes come first; any node carrying a hub_id
// property is a hub rooted at itself. The first entry per hub id wins.
func DiscoverHubs(tree bigraph.Bigraph) []Owner {
	return discover(tree, bigraph.ControlHub, bigraph.PropHubID, bigraph.PropManagesSelector, true)
}

// DiscoverMids lists every MidServer node with its region root
func DiscoverMids(tree bigraph.Bigraph) []Owner {
	return discover(tree, bigraph.ControlMidServer, bigraph.PropMidID, bigraph.PropRegionSelector, false)
}

// FindHubRoot returns the root of the subtree owned by hubID: the Hub
// node's parent (or the Hub node itself when it is a root), else a node
// whose hub_id property matches.
func FindHubRoot(tree bigraph.Bigraph, hubID string) (int, bool) {
	for _, n := range tree.Nodes {
		if n.Control != bigraph.ControlHub || ownerID(n, bigraph.PropHubID) != hubID {
			continue
		}
		if n.IsRoot() {
			return n.ID, true
		}
		if _, ok := tree.Find(n.Parent); ok {
			return n.Parent, true
		}
		return n.ID, true
	}
	for _, n := range tree.Nodes {
		if n.StringProp(bigraph.PropHubID) == hubID {
			return n.ID, true
		}
	}
	return 0, false
}

// FindMidCovering returns the first mid whose region contains nodeID
func FindMidCovering(tree bigraph.Bigraph, nodeID int) (Owner, bool) {
	ix := bigraph.NewIndex(tree)
	for _, mid := range DiscoverMids(tree) {
		if _, ok := ix.Closure(mid.RootID)[nodeID]; ok {
			return mid, true
		}
	}
	return Owner{}, false
}

// FindMid returns the mid with the given id
func FindMid(tree bigraph.Bigraph, midID string) (Owner, bool) {
	for _, mid := range DiscoverMids(tree) {
		if mid.ID == midID {
			return mid, true
		}
	}
	return Owner{}, false
}

// FindHubNode returns the Hub control node for hubID, matching on the
// hub_id property or name, else a Room carrying that hub_id.
func FindHubNode(tree bigraph.Bigraph, hubID string) (bigraph.Node, bool) {
	for _, n := range tree.Nodes {
		if n.Control == bigraph.ControlHub && ownerID(n, bigraph.PropHubID) == hubID {
			return n, true
		}
	}
	for _, n := range tree.Nodes {
		if n.Control == bigraph.ControlRoom && n.StringProp(bigraph.PropHubID) == hubID {
			return n, true
		}
	}
	return bigraph.Node{}, false
}

// HubOf walks up from nodeID to the nearest Hub node or hub_id carrier
// and returns its hub id. The authoring tool uses it to address rules.
func HubOf(tree bigraph.Bigraph, nodeID int) (string, bool) {
	ix := bigraph.NewIndex(tree)
	hubRoots := make(map[int]string)
	for _, h := range DiscoverHubs(tree) {
		if _, taken := hubRoots[h.RootID]; !taken {
			hubRoots[h.RootID] = h.ID
		}
	}
	id := nodeID
	for steps := 0; steps <= len(tree.Nodes); steps++ {
		if hub, ok := hubRoots[id]; ok {
			return hub, true
		}
		pos, ok := ix.Position(id)
		if !ok {
			return "", false
		}
		parent := tree.Nodes[pos].Parent
		if parent == bigraph.NoParent {
			return "", false
		}
		id = parent
	}
	return "", false
}
