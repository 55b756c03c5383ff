package synapse

import (
	"context"
	"errors"
	"sync"

	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/engine"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/internal/taskqueue"
	"github.com/7ama2004/synapse/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := synapse.NewLocalRunner(reg)
//	synapse.NewWorkflow("my-flow").Block(...).MustRegister(ctx, runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	res, err := synapse.Run(ctx, runner.Engine, "my-flow", inputs)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	runID, _ := runner.RunAsync(ctx, synapse.RunRequest{WorkflowID: "my-flow"})
//	res, _ = runner.Wait(ctx, runID)
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and
// queue. A nil reg means an empty registry.
func NewLocalRunner(reg *Registry, opts ...EngineOption) *LocalRunner {
	if reg == nil {
		reg = dispatch.NewRegistry()
	}
	store := persistence.NewInMemoryStore()
	events := persistence.NewInMemoryEventStore()

	cfg := engine.Config{
		Persistence: persistence.Persistence{Definitions: store, Results: store, Events: events},
		Registry:    reg,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng := engine.NewEngineWithConfig(cfg)
	q := taskqueue.NewInMemoryQueue()

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, worker.Config{Results: store, Events: events, Logger: cfg.Logger}),
	}
}

// StartWorkers starts 'concurrency' worker loops that process tasks until
// Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("synapse: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			// Run only returns once ctx is cancelled.
			_ = r.Worker.Run(ctx)
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunAsync enqueues a run and returns its id. The workflow must already be
// registered on LocalRunner.Engine.
func (r *LocalRunner) RunAsync(ctx context.Context, req RunRequest) (string, error) {
	return r.Worker.Enqueue(ctx, req)
}

// CancelAsync enqueues a cancel request for a run.
func (r *LocalRunner) CancelAsync(ctx context.Context, runID string) error {
	return r.Worker.EnqueueCancel(ctx, runID)
}

// Wait polls until the run reaches a terminal state or ctx is done.
func (r *LocalRunner) Wait(ctx context.Context, runID string) (*ExecutionResult, error) {
	return WaitForResult(ctx, r.Engine, runID)
}
