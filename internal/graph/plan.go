package graph

import (
	"fmt"

	"github.com/7ama2004/synapse/pkg/api"
)

// Plan levels the graph into stages. Each stage holds every not yet
// scheduled block whose predecessors are all in earlier stages.
//
// Members of a stage are listed in definition order, but callers must treat
// a stage as a set. If a level makes no progress while blocks remain the
// graph has a cycle and Plan fails with *api.CyclicGraphError.
func Plan(g *Graph, deps Deps) (api.Plan, error) {
	var plan api.Plan
	scheduled := make(map[string]bool, len(g.blocks))

	for len(scheduled) < len(g.blocks) {
		var stage api.Stage
		for _, b := range g.blocks {
			if scheduled[b.ID] || !ready(deps[b.ID], scheduled) {
				continue
			}
			stage = append(stage, b.ID)
		}
		if len(stage) == 0 {
			cycle := DetectCycle(g)
			if cycle == nil {
				// deps disagrees with the graph; report what is left.
				for _, b := range g.blocks {
					if !scheduled[b.ID] {
						cycle = append(cycle, b.ID)
					}
				}
			}
			return api.Plan{}, &api.CyclicGraphError{Cycle: cycle}
		}
		// Mark after the scan so a stage never depends on itself.
		for _, id := range stage {
			scheduled[id] = true
		}
		plan.Stages = append(plan.Stages, stage)
	}
	return plan, nil
}

func ready(preds map[string]struct{}, scheduled map[string]bool) bool {
	for p := range preds {
		if !scheduled[p] {
			return false
		}
	}
	return true
}

// ValidatePlan replays plan against deps and reports the first block that
// is scheduled twice, is unknown, is missing, or runs no later than one of
// its predecessors.
func ValidatePlan(plan api.Plan, deps Deps) error {
	stageOf := make(map[string]int, len(deps))
	for si, stage := range plan.Stages {
		for _, id := range stage {
			if _, ok := deps[id]; !ok {
				return fmt.Errorf("stage %d: unknown block %q", si+1, id)
			}
			if prev, dup := stageOf[id]; dup {
				return fmt.Errorf("block %q scheduled in stages %d and %d", id, prev+1, si+1)
			}
			stageOf[id] = si
		}
	}
	for id, preds := range deps {
		si, ok := stageOf[id]
		if !ok {
			return fmt.Errorf("block %q not scheduled", id)
		}
		for p := range preds {
			if pi := stageOf[p]; pi >= si {
				return fmt.Errorf("block %q in stage %d depends on %q in stage %d", id, si+1, p, pi+1)
			}
		}
	}
	return nil
}
