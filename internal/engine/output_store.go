package engine

import (
	"github.com/7ama2004/synapse/internal/graph"
	"github.com/7ama2004/synapse/pkg/api"
)

// outputArena holds block outputs for one run.
//
// Slots are indexed by block position in the graph. Within a stage each
// slot is written by exactly one goroutine, and slots are only read after
// the stage barrier, so no locking is needed.
type outputArena struct {
	g     *graph.Graph
	input api.BlockOutput
	slots []api.BlockOutput
	done  []bool
}

func newOutputArena(g *graph.Graph) *outputArena {
	return &outputArena{
		g:     g,
		input: api.BlockOutput(g.InitialInputs()),
		slots: make([]api.BlockOutput, g.Len()),
		done:  make([]bool, g.Len()),
	}
}

func (a *outputArena) set(idx int, out api.BlockOutput) {
	a.slots[idx] = out
	a.done[idx] = true
}

// discard drops outputs written during a stage that did not complete.
func (a *outputArena) discard(stage api.Stage) {
	for _, id := range stage {
		idx := a.g.Index(id)
		a.slots[idx] = nil
		a.done[idx] = false
	}
}

func (a *outputArena) output(blockID string) (api.BlockOutput, bool) {
	if blockID == api.InputBlockID {
		return a.input, true
	}
	idx := a.g.Index(blockID)
	if idx < 0 || !a.done[idx] {
		return nil, false
	}
	return a.slots[idx], true
}

// inputsFor resolves a block's inputs from the connections targeting it.
// Connections are applied in definition order, so the last one wins for a
// port fed twice. A source that did not produce the port leaves the input
// absent.
func (a *outputArena) inputsFor(blockID string) map[string]any {
	in := make(map[string]any)
	for _, c := range a.g.Incoming(blockID) {
		out, ok := a.output(c.Source.BlockID)
		if !ok {
			continue
		}
		v, ok := out[c.Source.Port]
		if !ok {
			continue
		}
		in[c.Target.Port] = v
	}
	return in
}
