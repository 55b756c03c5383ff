package graph

import (
	"slices"

	"github.com/7ama2004/synapse/pkg/api"
)

// Graph is a validated block/connection graph for one run.
//
// Blocks keep their definition order, which gives stable iteration for
// cycle reports and logs. A Graph is read-only after Build.
type Graph struct {
	blocks   []api.Block
	index    map[string]int
	conns    []api.Connection
	incoming [][]api.Connection // per block, in definition order
	succ     [][]int            // per block, successor indices in connection order
	inputs   map[string]any
}

// Build validates blocks and connections against each other and the initial
// inputs and returns the resulting Graph. Connection ids must be unique when
// set, and no two connections may join the same source and target ports.
//
// The synthetic block api.InputBlockID exposes every key of initialInputs as
// an output port. It can be used as a connection source but never as a
// target, and no user block may take its id.
func Build(blocks []api.Block, connections []api.Connection, initialInputs map[string]any) (*Graph, error) {
	g := &Graph{
		blocks:   make([]api.Block, len(blocks)),
		index:    make(map[string]int, len(blocks)),
		conns:    slices.Clone(connections),
		incoming: make([][]api.Connection, len(blocks)),
		succ:     make([][]int, len(blocks)),
		inputs:   initialInputs,
	}
	if g.inputs == nil {
		g.inputs = map[string]any{}
	}

	for i, b := range blocks {
		switch {
		case b.ID == "":
			return nil, &api.InvalidGraphError{Reason: "block id is empty"}
		case b.ID == api.InputBlockID:
			return nil, &api.InvalidGraphError{BlockID: b.ID, Reason: "block id is reserved"}
		case b.Type == "":
			return nil, &api.InvalidGraphError{BlockID: b.ID, Reason: "block type is empty"}
		}
		if _, dup := g.index[b.ID]; dup {
			return nil, &api.InvalidGraphError{BlockID: b.ID, Reason: "duplicate block id"}
		}
		g.index[b.ID] = i
		g.blocks[i] = b
	}

	connIDs := make(map[string]struct{}, len(g.conns))
	edges := make(map[[2]api.Endpoint]struct{}, len(g.conns))
	for _, c := range g.conns {
		if err := g.checkConnection(c); err != nil {
			return nil, err
		}
		if c.ID != "" {
			if _, dup := connIDs[c.ID]; dup {
				return nil, &api.InvalidGraphError{ConnectionID: c.ID, Reason: "duplicate connection id"}
			}
			connIDs[c.ID] = struct{}{}
		}
		edge := [2]api.Endpoint{c.Source, c.Target}
		if _, dup := edges[edge]; dup {
			return nil, &api.InvalidGraphError{ConnectionID: c.ID, BlockID: c.Target.BlockID, Port: c.Target.Port, Reason: "duplicate connection"}
		}
		edges[edge] = struct{}{}

		ti := g.index[c.Target.BlockID]
		g.incoming[ti] = append(g.incoming[ti], c)
		if c.Source.BlockID == api.InputBlockID {
			continue
		}
		si := g.index[c.Source.BlockID]
		g.succ[si] = append(g.succ[si], ti)
	}

	return g, nil
}

func (g *Graph) checkConnection(c api.Connection) error {
	src, dst := c.Source, c.Target

	if dst.BlockID == api.InputBlockID {
		return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: dst.BlockID, Reason: "input block cannot be a target"}
	}
	ti, ok := g.index[dst.BlockID]
	if !ok {
		return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: dst.BlockID, Reason: "unknown target block"}
	}
	if !slices.Contains(g.blocks[ti].Inputs, dst.Port) {
		return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: dst.BlockID, Port: dst.Port, Reason: "undeclared input port"}
	}

	if src.BlockID == api.InputBlockID {
		if _, ok := g.inputs[src.Port]; !ok {
			return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: src.BlockID, Port: src.Port, Reason: "no such initial input"}
		}
		return nil
	}
	si, ok := g.index[src.BlockID]
	if !ok {
		return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: src.BlockID, Reason: "unknown source block"}
	}
	if !slices.Contains(g.blocks[si].Outputs, src.Port) {
		return &api.InvalidGraphError{ConnectionID: c.ID, BlockID: src.BlockID, Port: src.Port, Reason: "undeclared output port"}
	}
	return nil
}

// Len returns the number of blocks, excluding the synthetic input block.
func (g *Graph) Len() int { return len(g.blocks) }

// Blocks returns the blocks in definition order.
func (g *Graph) Blocks() []api.Block { return g.blocks }

// Block looks up a block by id.
func (g *Graph) Block(id string) (api.Block, bool) {
	i, ok := g.index[id]
	if !ok {
		return api.Block{}, false
	}
	return g.blocks[i], true
}

// Index returns the position of a block in definition order, or -1.
func (g *Graph) Index(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Connections returns all connections in definition order.
func (g *Graph) Connections() []api.Connection { return g.conns }

// Incoming returns the connections targeting the block, in definition order.
func (g *Graph) Incoming(id string) []api.Connection {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.incoming[i]
}

// InitialInputs returns the input snapshot the graph was built with.
func (g *Graph) InitialInputs() map[string]any { return g.inputs }
