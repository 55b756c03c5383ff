package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/pkg/api"
)

// testRegistry registers a few generic handlers:
//
//	test/const  emits config["value"] on "out"
//	test/echo   copies input "in" to "out"
//	test/fail   always returns an error
//	test/wait   blocks until ctx is done
func testRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	reg.MustRegister("test/const", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"out": config["value"]}, nil
	}), api.PortSpec{Outputs: []string{"out"}})
	reg.MustRegister("test/echo", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		out := map[string]any{}
		if v, ok := inputs["in"]; ok {
			out["out"] = v
		}
		return out, nil
	}), api.PortSpec{Inputs: []string{"in"}, Outputs: []string{"out"}})
	reg.MustRegister("test/fail", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	}), api.PortSpec{Inputs: []string{"in"}, Outputs: []string{"out"}})
	reg.MustRegister("test/wait", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), api.PortSpec{Inputs: []string{"in"}, Outputs: []string{"out"}})
	return reg
}

func conn(id, from, fromPort, to, toPort string) api.Connection {
	return api.Connection{
		ID:     id,
		Source: api.Endpoint{BlockID: from, Port: fromPort},
		Target: api.Endpoint{BlockID: to, Port: toPort},
	}
}

// testEngine wires an engine to in-memory stores the test can reach into.
type testEngine struct {
	*engineImpl
	store  *persistence.InMemoryStore
	events *persistence.InMemoryEventStore
}

func newTestEngine(t *testing.T, reg *dispatch.Registry, mutate ...func(*Config)) *testEngine {
	t.Helper()
	store := persistence.NewInMemoryStore()
	events := persistence.NewInMemoryEventStore()
	cfg := Config{
		Persistence: persistence.Persistence{
			Definitions: store,
			Results:     store,
			Events:      events,
		},
		Registry: reg,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &testEngine{engineImpl: newEngine(cfg), store: store, events: events}
}

func mustRegister(t *testing.T, eng api.Engine, def api.Definition) {
	t.Helper()
	if err := eng.RegisterWorkflow(context.Background(), def); err != nil {
		t.Fatalf("RegisterWorkflow(%s) failed: %v", def.ID, err)
	}
}

func eventTypes(t *testing.T, h api.HistoryReader, runID string) []api.EventType {
	t.Helper()
	evs, err := h.ListEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	out := make([]api.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// callCounter counts handler invocations per block id.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) wrap(h api.Handler) api.Handler {
	return api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		c.mu.Lock()
		if c.calls == nil {
			c.calls = map[string]int{}
		}
		id, _ := config["id"].(string)
		c.calls[id]++
		c.mu.Unlock()
		return h.Execute(ctx, config, inputs)
	})
}

func (c *callCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// concurrencyGauge tracks the maximum number of handlers in flight.
type concurrencyGauge struct {
	cur atomic.Int64
	max atomic.Int64
}

func (g *concurrencyGauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *concurrencyGauge) leave() { g.cur.Add(-1) }
