package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/taskqueue"
	"github.com/7ama2004/synapse/pkg/api"
)

func TestWorker_FailedRunRetriesWithBackoff(t *testing.T) {
	for name, factory := range stacks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var calls atomic.Int32
			reg := dispatch.NewRegistry()
			reg.MustRegister("flaky", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
				if calls.Add(1) < 2 {
					return nil, errors.New("temporary failure")
				}
				return map[string]any{"out": "ok"}, nil
			}), api.PortSpec{Outputs: []string{"out"}})

			s := factory(t, reg, 0)
			backoff := 30 * time.Millisecond
			w := NewWithConfig(s.engine, s.queue, Config{MaxAttempts: 3, Backoff: backoff, Results: s.results})

			if err := s.engine.RegisterWorkflow(ctx, api.Definition{ID: "task-retry", Blocks: []api.Block{{ID: "flaky", Type: "flaky"}}}); err != nil {
				t.Fatalf("RegisterWorkflow failed: %v", err)
			}
			runID, err := w.Enqueue(ctx, api.RunRequest{WorkflowID: "task-retry"})
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			start := time.Now()
			processed, err := w.ProcessOne(ctx)
			if err != nil || !processed {
				t.Fatalf("first ProcessOne: %v, %v", processed, err)
			}
			first, err := s.engine.GetResult(ctx, runID)
			if err != nil {
				t.Fatalf("GetResult failed: %v", err)
			}
			if first.Status != api.StatusFailed {
				t.Fatalf("expected FAILED after first attempt, got %s", first.Status)
			}

			// Blocks until the retry is due.
			processed, err = w.ProcessOne(ctx)
			elapsed := time.Since(start)
			if err != nil || !processed {
				t.Fatalf("second ProcessOne: %v, %v", processed, err)
			}

			if got := calls.Load(); got != 2 {
				t.Fatalf("expected 2 handler calls, got %d", got)
			}
			res, err := s.engine.GetResult(ctx, runID)
			if err != nil {
				t.Fatalf("GetResult failed: %v", err)
			}
			if res.Status != api.StatusCompleted || res.Attempt != 2 {
				t.Fatalf("expected COMPLETED on attempt 2, got %s on %d", res.Status, res.Attempt)
			}
			if res.Outputs["flaky"]["out"] != "ok" {
				t.Fatalf("unexpected output: %v", res.Outputs)
			}
			if elapsed < backoff/2 {
				t.Fatalf("expected elapsed >= %v/2, got %v", backoff, elapsed)
			}
			if n := queueLen(t, s.queue); n != 0 {
				t.Fatalf("expected empty queue, got %d", n)
			}
		})
	}
}

func TestWorker_TimeoutIsRetriedThenFinal(t *testing.T) {
	ctx := context.Background()
	reg := dispatch.NewRegistry()
	reg.MustRegister("slow", api.HandlerFunc(func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), api.PortSpec{})

	s := inMemoryStack(t, reg, 30*time.Millisecond)
	w := NewWithConfig(s.engine, s.queue, Config{MaxAttempts: 2, Results: s.results})
	if err := s.engine.RegisterWorkflow(ctx, api.Definition{ID: "slow", Blocks: []api.Block{{ID: "s", Type: "slow"}}}); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	runID, err := w.Enqueue(ctx, api.RunRequest{WorkflowID: "slow"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := w.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne #%d failed: %v", i+1, err)
		}
	}

	res, err := s.engine.GetResult(ctx, runID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if res.Status != api.StatusFailed || res.Error == nil || res.Error.Kind != api.KindTimeout {
		t.Fatalf("expected FAILED with timeout, got %s %+v", res.Status, res.Error)
	}
	if res.Attempt != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempt)
	}
	if n := queueLen(t, s.queue); n != 0 {
		t.Fatalf("expected the task to be acked after the last attempt, got Len %d", n)
	}
}

func TestWorker_NonRetryableFailureIsAcked(t *testing.T) {
	ctx := context.Background()
	s := inMemoryStack(t, dispatch.NewRegistry(), 0)
	w := NewWithConfig(s.engine, s.queue, Config{MaxAttempts: 5})

	if err := s.engine.RegisterWorkflow(ctx, api.Definition{ID: "bogus", Blocks: []api.Block{{ID: "x", Type: "bogus/type"}}}); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	if _, err := w.Enqueue(ctx, api.RunRequest{RunID: "r", WorkflowID: "bogus"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if n := queueLen(t, s.queue); n != 0 {
		t.Fatalf("unknown block type must not be retried, got Len %d", n)
	}
}

// brokenEngine fails every call as if its store were down.
type brokenEngine struct {
	api.Engine
	calls atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (e *brokenEngine) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	return nil, &api.NotFoundError{What: "run", ID: runID}
}

func (e *brokenEngine) Run(ctx context.Context, req api.RunRequest) (*api.ExecutionResult, error) {
	e.calls.Add(1)
	return nil, errStoreDown
}

func TestWorker_InfrastructureErrorDroppedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	eng := &brokenEngine{}
	q := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(eng, q, Config{MaxAttempts: 2})
	enqueueRun(t, q, "r1")

	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, errStoreDown) {
		t.Fatalf("first ProcessOne: %v, %v", processed, err)
	}
	if n := queueLen(t, q); n != 1 {
		t.Fatalf("expected task requeued after first failure, got Len %d", n)
	}

	processed, err = w.ProcessOne(ctx)
	if !processed || !errors.Is(err, errStoreDown) {
		t.Fatalf("second ProcessOne: %v, %v", processed, err)
	}
	if n := queueLen(t, q); n != 0 {
		t.Fatalf("expected task dropped after max attempts, got Len %d", n)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("expected 2 engine calls, got %d", got)
	}
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWithConfig(nil, nil, Config{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, d := range want {
		if got := w.backoff(i + 1); got != d {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, d)
		}
	}
	if got := New(nil, nil).backoff(3); got != 0 {
		t.Fatalf("zero Backoff should retry immediately, got %v", got)
	}
}
