package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/pkg/api"
)

func chainDefinition() api.Definition {
	return api.Definition{
		ID:   "chain",
		Name: "A to B to C",
		Blocks: []api.Block{
			{ID: "A", Type: "test/const", Config: map[string]any{"value": "a-out"}},
			{ID: "B", Type: "test/echo"},
			{ID: "C", Type: "test/echo"},
		},
		Connections: []api.Connection{
			conn("c1", "A", "out", "B", "in"),
			conn("c2", "B", "out", "C", "in"),
		},
	}
}

func TestRun_ChainCompletes(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, chainDefinition())

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "chain"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", res.Status)
	}

	want := map[string]api.BlockOutput{
		"A": {"out": "a-out"},
		"B": {"out": "a-out"},
		"C": {"out": "a-out"},
	}
	if diff := cmp.Diff(want, res.Outputs); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100, res.Progress)
	assert.Equal(t, 3, res.StageCount)
	assert.Equal(t, 3, res.CurrentStage)
	assert.Equal(t, 1, res.Attempt)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Error)
	assert.False(t, res.FinishedAt.IsZero())
	for id, rec := range res.Blocks {
		assert.Equal(t, api.StatusCompleted, rec.Status, "block %s", id)
	}

	stored, err := eng.GetResult(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, stored.Status)
	assert.Equal(t, res.Outputs, stored.Outputs)
}

func TestPlan_Chain(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, chainDefinition())

	plan, err := eng.Plan(context.Background(), "chain")
	require.NoError(t, err)

	want := api.Plan{Stages: []api.Stage{{"A"}, {"B"}, {"C"}}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_UnknownWorkflow(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))

	_, err := eng.Plan(context.Background(), "missing")
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "workflow", nf.What)
}

func TestRun_InputFeedsSummarize(t *testing.T) {
	ctx := context.Background()

	var received atomic.Value
	reg := dispatch.NewRegistry()
	reg.MustRegister("input/text", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"text": config["text"]}, nil
	}), api.PortSpec{Outputs: []string{"text"}})
	reg.MustRegister("ai/summarize", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		received.Store(inputs)
		return map[string]any{"summary": "short"}, nil
	}), api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"summary"}})

	eng := NewInMemoryEngine(reg)
	mustRegister(t, eng, api.Definition{
		ID: "summarize",
		Blocks: []api.Block{
			{ID: "in", Type: "input/text", Config: map[string]any{"text": "hello"}},
			{ID: "sum", Type: "ai/summarize"},
		},
		Connections: []api.Connection{conn("c1", "in", "text", "sum", "text")},
	})

	plan, err := eng.Plan(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, []api.Stage{{"in"}, {"sum"}}, plan.Stages)

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "summarize"})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, res.Status)

	assert.Equal(t, map[string]any{"text": "hello"}, received.Load())
	assert.Contains(t, res.Outputs, "sum")
	assert.NotContains(t, res.Outputs, api.InputBlockID)
}

func TestRun_InitialInputsRouteThroughInputBlock(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID:          "passthrough",
		Blocks:      []api.Block{{ID: "echo", Type: "test/echo"}},
		Connections: []api.Connection{conn("c1", api.InputBlockID, "topic", "echo", "in")},
	})

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "passthrough", Inputs: map[string]any{"topic": "graphs"}})
	require.NoError(t, err)

	assert.Equal(t, map[string]api.BlockOutput{"echo": {"out": "graphs"}}, res.Outputs)
	assert.Equal(t, map[string]any{"topic": "graphs"}, res.Inputs)
}

func TestRun_MissingInitialInputFailsValidation(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID:          "passthrough",
		Blocks:      []api.Block{{ID: "echo", Type: "test/echo"}},
		Connections: []api.Connection{conn("c1", api.InputBlockID, "topic", "echo", "in")},
	})

	res, err := eng.Run(context.Background(), api.RunRequest{WorkflowID: "passthrough"})
	var ig *api.InvalidGraphError
	require.ErrorAs(t, err, &ig)
	require.NotNil(t, res)
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindInvalidGraph, res.Error.Kind)
	assert.Empty(t, res.Outputs)
}

func TestRun_UnconnectedBlocksRunConcurrently(t *testing.T) {
	ctx := context.Background()

	var arrived atomic.Int32
	allIn := make(chan struct{})
	reg := dispatch.NewRegistry()
	reg.MustRegister("test/rendezvous", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		if arrived.Add(1) == 3 {
			close(allIn)
		}
		select {
		case <-allIn:
			return map[string]any{"out": config["id"]}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("blocks did not run concurrently")
		}
	}), api.PortSpec{Outputs: []string{"out"}})

	eng := NewInMemoryEngine(reg)
	mustRegister(t, eng, api.Definition{
		ID: "fanout",
		Blocks: []api.Block{
			{ID: "a", Type: "test/rendezvous", Config: map[string]any{"id": "a"}},
			{ID: "b", Type: "test/rendezvous", Config: map[string]any{"id": "b"}},
			{ID: "c", Type: "test/rendezvous", Config: map[string]any{"id": "c"}},
		},
	})

	plan, err := eng.Plan(ctx, "fanout")
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	stage := append([]string(nil), plan.Stages[0]...)
	sort.Strings(stage)
	assert.Equal(t, []string{"a", "b", "c"}, stage)

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "fanout"})
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 3)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, api.BlockOutput{"out": id}, res.Outputs[id])
	}
}

func TestRun_MaxParallelBlocksCapsConcurrency(t *testing.T) {
	var gauge concurrencyGauge
	reg := dispatch.NewRegistry()
	reg.MustRegister("test/slow", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		gauge.enter()
		defer gauge.leave()
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}), api.PortSpec{})

	eng := newTestEngine(t, reg, func(c *Config) { c.MaxParallelBlocks = 2 })
	def := api.Definition{ID: "wide"}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		def.Blocks = append(def.Blocks, api.Block{ID: id, Type: "test/slow"})
	}
	mustRegister(t, eng, def)

	res, err := eng.Run(context.Background(), api.RunRequest{WorkflowID: "wide"})
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 6)
	assert.LessOrEqual(t, gauge.max.Load(), int64(2))
}

func TestRun_UnknownBlockTypeFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID: "bogus",
		Blocks: []api.Block{
			{ID: "ok", Type: "test/const", Config: map[string]any{"value": 1}},
			{ID: "x", Type: "bogus/type"},
			{ID: "after", Type: "test/echo"},
		},
		Connections: []api.Connection{conn("c1", "x", "out", "after", "in")},
	})

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "bogus"})
	var unknown *api.UnknownBlockTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "x", unknown.BlockID)

	require.NotNil(t, res)
	assert.Equal(t, api.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.KindUnknownBlockType, res.Error.Kind)
	assert.Equal(t, "x", res.Error.BlockID)
	assert.Equal(t, "bogus/type", res.Error.BlockType)

	// x and ok share the failing stage; nothing from it or later is kept.
	assert.Empty(t, res.Outputs)
	assert.Equal(t, api.StatusFailed, res.Blocks["x"].Status)
	assert.Equal(t, api.StatusPending, res.Blocks["after"].Status)
}

func TestRun_HandlerFailureKeepsEarlierStages(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID: "partial",
		Blocks: []api.Block{
			{ID: "src", Type: "test/const", Config: map[string]any{"value": "v"}},
			{ID: "mid", Type: "test/echo"},
			{ID: "bad", Type: "test/fail"},
			{ID: "last", Type: "test/echo"},
		},
		Connections: []api.Connection{
			conn("c1", "src", "out", "mid", "in"),
			conn("c2", "src", "out", "bad", "in"),
			conn("c3", "bad", "out", "last", "in"),
		},
	})

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "partial"})
	var he *api.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "bad", he.BlockID)
	assert.EqualError(t, errors.Unwrap(he), "boom")

	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindHandlerExecution, res.Error.Kind)
	assert.Equal(t, "bad", res.Error.BlockID)
	assert.Equal(t, 2, res.CurrentStage)
	assert.Equal(t, map[string]api.BlockOutput{"src": {"out": "v"}}, res.Outputs)
	assert.Equal(t, 33, res.Progress)
	assert.Equal(t, "block \"bad\" (test/fail) failed: boom", res.Blocks["bad"].Error)
}

func TestRun_FailuresInOneStageReportEarliestFinisher(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	reg.MustRegister("test/fail_after", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		time.Sleep(time.Duration(config["delay_ms"].(int)) * time.Millisecond)
		return nil, fmt.Errorf("%s gave up", config["name"])
	}), api.PortSpec{Outputs: []string{"out"}})

	eng := NewInMemoryEngine(reg)
	mustRegister(t, eng, api.Definition{
		ID: "racing",
		Blocks: []api.Block{
			{ID: "late", Type: "test/fail_after", Config: map[string]any{"delay_ms": 80, "name": "late"}},
			{ID: "ok", Type: "test/const", Config: map[string]any{"value": "fine"}},
			{ID: "early", Type: "test/fail_after", Config: map[string]any{"delay_ms": 10, "name": "early"}},
		},
	})

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "racing"})
	var he *api.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "early", he.BlockID)
	assert.EqualError(t, errors.Unwrap(he), "early gave up")

	require.NotNil(t, res)
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, "early", res.Error.BlockID)
	assert.Equal(t, 1, res.CurrentStage)
	assert.Equal(t, 0, res.Progress)

	// Every block of the stage ran to completion before the stage failed.
	assert.Equal(t, api.StatusFailed, res.Blocks["early"].Status)
	assert.Equal(t, api.StatusFailed, res.Blocks["late"].Status)
	assert.Contains(t, res.Blocks["late"].Error, "late gave up")
	assert.Equal(t, api.StatusCompleted, res.Blocks["ok"].Status)
	assert.True(t, res.Blocks["early"].FinishedAt.Before(res.Blocks["late"].FinishedAt))

	// The successful sibling's output is dropped with its stage.
	assert.NotContains(t, res.Outputs, "ok")
	assert.Empty(t, res.Outputs)
}

// opaqueValue is never passed to gob.Register.
type opaqueValue struct{ N int }

func TestRun_UnserializableOutputFailsBlock(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	reg.MustRegister("test/opaque", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"out": opaqueValue{N: 1}}, nil
	}), api.PortSpec{Inputs: []string{"in"}, Outputs: []string{"out"}})

	eng := NewInMemoryEngine(reg)
	mustRegister(t, eng, api.Definition{
		ID: "opaque",
		Blocks: []api.Block{
			{ID: "src", Type: "test/const", Config: map[string]any{"value": "v"}},
			{ID: "wrap", Type: "test/opaque"},
		},
		Connections: []api.Connection{conn("c1", "src", "out", "wrap", "in")},
	})

	res, err := eng.Run(ctx, api.RunRequest{RunID: "opaque-1", WorkflowID: "opaque"})
	var he *api.HandlerExecutionError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "wrap", he.BlockID)

	require.NotNil(t, res)
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindHandlerExecution, res.Error.Kind)
	assert.Equal(t, "wrap", res.Error.BlockID)
	assert.Equal(t, "test/opaque", res.Error.BlockType)
	assert.Equal(t, map[string]api.BlockOutput{"src": {"out": "v"}}, res.Outputs)
	assert.Equal(t, api.StatusFailed, res.Blocks["wrap"].Status)

	stored, err := eng.GetResult(ctx, "opaque-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, stored.Status)
	assert.Equal(t, "wrap", stored.Error.BlockID)
}

func TestRun_CycleRejectedBeforeHandlers(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	reg := dispatch.NewRegistry()
	reg.MustRegister("test/count", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"out": 1}, nil
	}), api.PortSpec{Inputs: []string{"in"}, Outputs: []string{"out"}})

	def := api.Definition{
		ID: "loop",
		Blocks: []api.Block{
			{ID: "A", Type: "test/count"},
			{ID: "B", Type: "test/count"},
		},
		Connections: []api.Connection{
			conn("c1", "A", "out", "B", "in"),
			conn("c2", "B", "out", "A", "in"),
		},
	}

	eng := newTestEngine(t, reg)
	err := eng.RegisterWorkflow(ctx, def)
	var cyc *api.CyclicGraphError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"A", "B", "A"}, cyc.Cycle)

	// Bypass registration to exercise the run-time check.
	require.NoError(t, eng.store.SaveDefinition(ctx, def))

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "loop"})
	require.ErrorAs(t, err, &cyc)
	assert.Contains(t, cyc.Cycle, "A")
	assert.Contains(t, cyc.Cycle, "B")

	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindCyclicGraph, res.Error.Kind)
	assert.Equal(t, []string{"A", "B", "A"}, res.Error.Cycle)
	assert.Empty(t, res.Outputs)
	assert.Zero(t, calls.Load())
}

func TestRun_LastConnectionWinsForSharedPort(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID: "lww",
		Blocks: []api.Block{
			{ID: "first", Type: "test/const", Config: map[string]any{"value": "first"}},
			{ID: "second", Type: "test/const", Config: map[string]any{"value": "second"}},
			{ID: "sink", Type: "test/echo"},
		},
		Connections: []api.Connection{
			conn("c1", "first", "out", "sink", "in"),
			conn("c2", "second", "out", "sink", "in"),
		},
	})

	res, err := eng.Run(context.Background(), api.RunRequest{WorkflowID: "lww"})
	require.NoError(t, err)
	assert.Equal(t, api.BlockOutput{"out": "second"}, res.Outputs["sink"])
}

func TestRun_MissingSourcePortLeavesInputAbsent(t *testing.T) {
	var got atomic.Value
	reg := testRegistry(t)
	reg.MustRegister("test/silent", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}), api.PortSpec{Outputs: []string{"out"}})
	reg.MustRegister("test/inspect", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		got.Store(inputs)
		return nil, nil
	}), api.PortSpec{Inputs: []string{"in"}})

	eng := NewInMemoryEngine(reg)
	mustRegister(t, eng, api.Definition{
		ID: "absent",
		Blocks: []api.Block{
			{ID: "src", Type: "test/silent"},
			{ID: "dst", Type: "test/inspect"},
		},
		Connections: []api.Connection{conn("c1", "src", "out", "dst", "in")},
	})

	_, err := eng.Run(context.Background(), api.RunRequest{WorkflowID: "absent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got.Load())
}

func TestRun_UnknownWorkflowRecordsFailure(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))

	res, err := eng.Run(context.Background(), api.RunRequest{RunID: "r1", WorkflowID: "nope"})
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.NotNil(t, res)
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, api.KindNotFound, res.Error.Kind)
}

func TestRegisterWorkflow_Validation(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))
	ctx := context.Background()

	tests := []struct {
		name string
		def  api.Definition
	}{
		{name: "missing id", def: api.Definition{Blocks: []api.Block{{ID: "a", Type: "test/const"}}}},
		{name: "duplicate block", def: api.Definition{ID: "w", Blocks: []api.Block{
			{ID: "a", Type: "test/const"}, {ID: "a", Type: "test/const"},
		}}},
		{name: "reserved id", def: api.Definition{ID: "w", Blocks: []api.Block{{ID: api.InputBlockID, Type: "test/const"}}}},
		{name: "dangling connection", def: api.Definition{ID: "w",
			Blocks:      []api.Block{{ID: "a", Type: "test/const"}},
			Connections: []api.Connection{conn("c1", "a", "out", "ghost", "in")},
		}},
		{name: "undeclared port", def: api.Definition{ID: "w",
			Blocks:      []api.Block{{ID: "a", Type: "test/const"}, {ID: "b", Type: "test/echo"}},
			Connections: []api.Connection{conn("c1", "a", "nope", "b", "in")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.RegisterWorkflow(ctx, tt.def)
			var ig *api.InvalidGraphError
			require.ErrorAs(t, err, &ig)
		})
	}
}

func TestRegisterWorkflow_UnknownTypeIsAccepted(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, api.Definition{
		ID: "later",
		Blocks: []api.Block{
			{ID: "x", Type: "not/yet"},
			{ID: "y", Type: "test/echo"},
		},
		Connections: []api.Connection{conn("c1", "x", "result", "y", "in")},
	})

	plan, err := eng.Plan(context.Background(), "later")
	require.NoError(t, err)
	assert.Equal(t, []api.Stage{{"x"}, {"y"}}, plan.Stages)
}

func TestRegisterWorkflow_ReplacesDefinition(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, chainDefinition())

	def := chainDefinition()
	def.Blocks[0].Config = map[string]any{"value": "v2"}
	mustRegister(t, eng, def)

	res, err := eng.Run(ctx, api.RunRequest{WorkflowID: "chain"})
	require.NoError(t, err)
	assert.Equal(t, api.BlockOutput{"out": "v2"}, res.Outputs["C"])
}

func TestListResults_FiltersAndPages(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine(testRegistry(t))
	mustRegister(t, eng, chainDefinition())

	for i, user := range []string{"alice", "bob", "alice", "alice"} {
		_, err := eng.Run(ctx, api.RunRequest{
			RunID:      string(rune('a' + i)),
			WorkflowID: "chain",
			UserID:     user,
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := eng.ListResults(ctx, api.ResultListOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d", all[0].RunID, "newest first")

	page, err := eng.ListResults(ctx, api.ResultListOptions{UserID: "alice", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].RunID)

	none, err := eng.ListResults(ctx, api.ResultListOptions{Status: api.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetResult_NotFound(t *testing.T) {
	eng := NewInMemoryEngine(testRegistry(t))

	_, err := eng.GetResult(context.Background(), "missing")
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "run", nf.What)
}
