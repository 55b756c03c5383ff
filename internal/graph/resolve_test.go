package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7ama2004/synapse/pkg/api"
)

func TestResolve_DirectPredecessors(t *testing.T) {
	g, err := Build([]api.Block{
		block("a", nil, []string{"out"}),
		block("b", []string{"in"}, []string{"out"}),
		block("c", []string{"x", "y"}, nil),
	}, []api.Connection{
		conn("1", "a", "out", "b", "in"),
		conn("2", "a", "out", "c", "x"),
		conn("3", "b", "out", "c", "y"),
		conn("4", api.InputBlockID, "seed", "b", "in"),
	}, map[string]any{"seed": "s"})
	require.NoError(t, err)

	deps := Resolve(g)
	assert.Equal(t, Deps{
		"a": {},
		"b": {"a": {}},
		"c": {"a": {}, "b": {}},
	}, deps)
}

func TestDetectCycle_Acyclic(t *testing.T) {
	g, err := Build([]api.Block{
		block("a", nil, []string{"out"}),
		block("b", []string{"in"}, []string{"out"}),
		block("c", []string{"in"}, nil),
	}, []api.Connection{
		conn("1", "a", "out", "b", "in"),
		conn("2", "a", "out", "c", "in"),
		conn("3", "b", "out", "c", "in"),
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, DetectCycle(g))
}

func TestDetectCycle_TwoBlocks(t *testing.T) {
	g, err := Build([]api.Block{
		block("A", []string{"in"}, []string{"out"}),
		block("B", []string{"in"}, []string{"out"}),
	}, []api.Connection{
		conn("ab", "A", "out", "B", "in"),
		conn("ba", "B", "out", "A", "in"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "A"}, DetectCycle(g))
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	g, err := Build([]api.Block{
		block("loop", []string{"in"}, []string{"out"}),
	}, []api.Connection{conn("l", "loop", "out", "loop", "in")}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"loop", "loop"}, DetectCycle(g))
	assert.Contains(t, Resolve(g)["loop"], "loop")
}

func TestDetectCycle_ReportsOnlyCycleMembers(t *testing.T) {
	// head -> x -> y -> z -> x, cycle must not include head.
	g, err := Build([]api.Block{
		block("head", nil, []string{"out"}),
		block("x", []string{"in"}, []string{"out"}),
		block("y", []string{"in"}, []string{"out"}),
		block("z", []string{"in"}, []string{"out"}),
	}, []api.Connection{
		conn("1", "head", "out", "x", "in"),
		conn("2", "x", "out", "y", "in"),
		conn("3", "y", "out", "z", "in"),
		conn("4", "z", "out", "x", "in"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z", "x"}, DetectCycle(g))
}
