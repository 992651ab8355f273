package bigraph

// Index is an arena view over a snapshot: node positions keyed by id and
// child lists keyed by parent id. It never holds pointers between nodes,
// so closures are plain frontier loops.
type Index struct {
	pos      map[int]int
	children map[int][]int
	order    []int
}

// NewIndex builds an index over g. Later duplicates of an id are ignored.
func NewIndex(g Bigraph) *Index {
	ix := &Index{
		pos:      make(map[int]int, len(g.Nodes)),
		children: make(map[int][]int),
		order:    make([]int, 0, len(g.Nodes)),
	}
	for i, n := range g.Nodes {
		if _, dup := ix.pos[n.ID]; dup {
			continue
		}
		ix.pos[n.ID] = i
		ix.order = append(ix.order, n.ID)
	}
	for _, id := range ix.order {
		n := g.Nodes[ix.pos[id]]
		if n.Parent == NoParent || n.Parent == n.ID {
			continue
		}
		ix.children[n.Parent] = append(ix.children[n.Parent], n.ID)
	}
	return ix
}

// Position returns the slice position of a node id
func (ix *Index) Position(id int) (int, bool) {
	p, ok := ix.pos[id]
	return p, ok
}

// Contains reports whether the id is present
func (ix *Index) Contains(id int) bool {
	_, ok := ix.pos[id]
	return ok
}

// Children returns the direct children of id in snapshot order
func (ix *Index) Children(id int) []int {
	return ix.children[id]
}

// Closure returns root and every node whose parent chain reaches root.
// The root is included even when it is not itself present.
func (ix *Index) Closure(root int) map[int]struct{} {
	keep := map[int]struct{}{root: {}}
	frontier := []int{root}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, id := range frontier {
			for _, child := range ix.children[id] {
				if _, seen := keep[child]; seen {
					continue
				}
				keep[child] = struct{}{}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return keep
}
