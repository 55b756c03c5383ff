package graph

import "github.com/7ama2004/synapse/pkg/api"

// Deps maps a block id to the set of block ids it directly depends on.
type Deps map[string]map[string]struct{}

// Resolve returns the direct predecessors of every block. Every block has an
// entry, possibly empty. Edges from the synthetic input block add no
// dependency.
func Resolve(g *Graph) Deps {
	deps := make(Deps, len(g.blocks))
	for _, b := range g.blocks {
		deps[b.ID] = map[string]struct{}{}
	}
	for _, c := range g.conns {
		if c.Source.BlockID == api.InputBlockID {
			continue
		}
		deps[c.Target.BlockID][c.Source.BlockID] = struct{}{}
	}
	return deps
}

const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // done
)

// DetectCycle reports the first cycle found by a depth-first traversal that
// visits blocks in definition order and follows edges in connection order.
//
// The cycle is returned as the ordered block ids along the edges with the
// first id repeated at the end, e.g. [A B A]. It returns nil when the graph
// is acyclic.
func DetectCycle(g *Graph) []string {
	color := make([]int, len(g.blocks))
	var path []int

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = grey
		path = append(path, i)
		for _, j := range g.succ[i] {
			switch color[j] {
			case grey:
				return g.cycleFrom(path, j)
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return nil
	}

	for i := range g.blocks {
		if color[i] != white {
			continue
		}
		if c := visit(i); c != nil {
			return c
		}
	}
	return nil
}

func (g *Graph) cycleFrom(path []int, start int) []string {
	at := 0
	for k, i := range path {
		if i == start {
			at = k
			break
		}
	}
	cycle := make([]string, 0, len(path)-at+1)
	for _, i := range path[at:] {
		cycle = append(cycle, g.blocks[i].ID)
	}
	return append(cycle, g.blocks[start].ID)
}
