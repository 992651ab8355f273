package bigraph

import "strconv"

// Validate checks the forest invariants: unique ids, parents present in
// the same tree, and no parent cycles.
func (g Bigraph) Validate() error {
	seen := make(map[int]int, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := seen[n.ID]; dup {
			return NewError("Validate").Node(n.ID).Cause(ErrDuplicateID).Err()
		}
		seen[n.ID] = n.Parent
	}

	for _, n := range g.Nodes {
		if n.Parent == NoParent {
			continue
		}
		if _, ok := seen[n.Parent]; !ok {
			return NewError("Validate").Node(n.ID).
				Context("parent " + strconv.Itoa(n.Parent)).Cause(ErrDanglingParent).Err()
		}
	}

	// 0 = unvisited, 1 = on current walk, 2 = known to reach a root
	state := make(map[int]uint8, len(g.Nodes))
	for _, n := range g.Nodes {
		var walk []int
		id := n.ID
		for {
			if state[id] == 2 {
				break
			}
			if state[id] == 1 {
				return NewError("Validate").Node(id).Cause(ErrCycle).Err()
			}
			state[id] = 1
			walk = append(walk, id)
			parent := seen[id]
			if parent == NoParent {
				break
			}
			id = parent
		}
		for _, w := range walk {
			state[w] = 2
		}
	}
	return nil
}
