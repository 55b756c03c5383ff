package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/graph"
	"github.com/7ama2004/synapse/pkg/api"
)

// execute runs req from stage 1. prev is the stored result of an earlier
// attempt of the same run, or nil.
func (e *engineImpl) execute(ctx context.Context, req api.RunRequest, prev *api.ExecutionResult) (*api.ExecutionResult, error) {
	now := time.Now()
	res := &api.ExecutionResult{
		RunID:      req.RunID,
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		Status:     api.StatusRunning,
		Inputs:     req.Inputs,
		Outputs:    map[string]api.BlockOutput{},
		Blocks:     map[string]api.BlockRecord{},
		Attempt:    1,
		CreatedAt:  now,
		StartedAt:  now,
	}
	if prev != nil {
		res.Attempt = prev.Attempt + 1
		res.CreatedAt = prev.CreatedAt
		if res.UserID == "" {
			res.UserID = prev.UserID
		}
		if res.Inputs == nil {
			res.Inputs = prev.Inputs
		}
	}

	logger := e.logger.With(
		slog.String("run_id", res.RunID),
		slog.String("workflow", res.WorkflowID),
	)
	ctx = ctxlog.WithLogger(ctx, logger)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if e.runTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, e.runTimeout, &api.TimeoutError{RunID: res.RunID})
		defer stop()
	}
	e.track(res.RunID, cancel)
	defer e.untrack(res.RunID)

	if err := e.results.UpsertResult(ctx, res); err != nil {
		return nil, fmt.Errorf("persist run %s: %w", res.RunID, err)
	}
	e.appendEvent(ctx, api.RunEvent{RunID: res.RunID, Type: api.EventRunStarted, WorkflowID: res.WorkflowID, Detail: fmt.Sprintf("attempt %d", res.Attempt)})
	e.observer.OnRunStart(ctx, res)

	runErr := e.prepareAndRun(runCtx, res)

	var infra *infraError
	if errors.As(runErr, &infra) {
		// Leave the run RUNNING so a redelivery restarts it.
		logger.ErrorContext(ctx, "run_aborted", slog.Any("error", infra.err))
		api.NotifyRunAborted(context.WithoutCancel(ctx), e.observer, res, infra.err)
		return nil, infra.err
	}
	return e.finish(ctx, res, runErr)
}

// infraError marks failures of the engine's own dependencies (stores), as
// opposed to failures of the run itself.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func (e *engineImpl) prepareAndRun(ctx context.Context, res *api.ExecutionResult) error {
	def, err := e.definition(ctx, res.WorkflowID)
	if err != nil {
		var nf *api.NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		return &infraError{fmt.Errorf("load definition %s: %w", res.WorkflowID, err)}
	}

	g, plan, err := e.compile(def, res.Inputs)
	if err != nil {
		return err
	}

	res.StageCount = len(plan.Stages)
	for _, b := range g.Blocks() {
		res.Blocks[b.ID] = api.BlockRecord{Status: api.StatusPending}
	}
	if err := e.results.UpsertResult(ctx, res); err != nil {
		return &infraError{fmt.Errorf("persist run %s: %w", res.RunID, err)}
	}

	c := &coordinator{
		engine: e,
		g:      g,
		plan:   plan,
		res:    res,
		arena:  newOutputArena(g),
	}
	return c.run(ctx)
}

// finish records the terminal state and notifies observers.
func (e *engineImpl) finish(ctx context.Context, res *api.ExecutionResult, runErr error) (*api.ExecutionResult, error) {
	res.FinishedAt = time.Now()

	var (
		cancelled *api.CancelledError
		evType    api.EventType
	)
	switch {
	case runErr == nil:
		res.Status = api.StatusCompleted
		res.Progress = 100
		evType = api.EventRunCompleted
	case errors.As(runErr, &cancelled):
		res.Status = api.StatusCancelled
		evType = api.EventRunCancelled
	default:
		res.Status = api.StatusFailed
		evType = api.EventRunFailed
	}
	res.Error = api.NewRunError(runErr)

	if err := e.results.UpsertResult(ctx, res); err != nil {
		return nil, fmt.Errorf("persist result %s: %w", res.RunID, err)
	}

	ev := api.RunEvent{RunID: res.RunID, Type: evType, WorkflowID: res.WorkflowID, Stage: res.CurrentStage}
	if res.Error != nil {
		ev.Detail = res.Error.Message
		ev.BlockID = res.Error.BlockID
	}
	e.appendEvent(ctx, ev)

	if runErr != nil {
		e.observer.OnRunFailed(ctx, res, runErr)
		return res, runErr
	}
	e.observer.OnRunCompleted(ctx, res)
	return res, nil
}

// coordinator drives the stages of one run.
type coordinator struct {
	engine *engineImpl
	g      *graph.Graph
	plan   api.Plan
	res    *api.ExecutionResult
	arena  *outputArena
}

type blockResult struct {
	out      api.BlockOutput
	err      error
	started  time.Time
	finished time.Time
}

func (c *coordinator) run(ctx context.Context) error {
	e := c.engine
	for i, stage := range c.plan.Stages {
		n := i + 1
		if err := c.checkCancelled(ctx, n); err != nil {
			return err
		}

		c.res.CurrentStage = n
		e.observer.OnStageStart(ctx, c.res, n, stage)
		start := time.Now()

		results := c.runStage(ctx, stage)

		err := c.stageError(ctx, n, stage, results)
		c.recordBlocks(ctx, n, stage, results)
		if err != nil {
			c.arena.discard(stage)
			e.observer.OnStageCompleted(ctx, c.res, n, err, time.Since(start))
			return err
		}

		for _, id := range stage {
			out, _ := c.arena.output(id)
			c.res.Outputs[id] = out
		}
		c.res.Progress = n * 100 / len(c.plan.Stages)
		e.observer.OnStageCompleted(ctx, c.res, n, nil, time.Since(start))

		if err := e.results.UpsertResult(ctx, c.res); err != nil {
			return &infraError{fmt.Errorf("persist progress of run %s: %w", c.res.RunID, err)}
		}
		e.appendEvent(ctx, api.RunEvent{
			RunID:      c.res.RunID,
			Type:       api.EventStageCompleted,
			WorkflowID: c.res.WorkflowID,
			Stage:      n,
			Detail:     fmt.Sprintf("%d blocks", len(stage)),
		})
	}
	return nil
}

// runStage runs every block of a stage concurrently and waits for all of
// them. Results are indexed like stage.
func (c *coordinator) runStage(ctx context.Context, stage api.Stage) []blockResult {
	e := c.engine
	results := make([]blockResult, len(stage))

	var sem *semaphore.Weighted
	if e.maxParallel > 0 {
		sem = semaphore.NewWeighted(int64(e.maxParallel))
	}

	var wg sync.WaitGroup
	for i, id := range stage {
		idx := c.g.Index(id)
		block := c.g.Blocks()[idx]
		inputs := c.arena.inputsFor(id)

		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &results[i]

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					r.err = err
					return
				}
				defer sem.Release(1)
			}

			e.observer.OnBlockStart(ctx, c.res, block.ID, block.Type)
			r.started = time.Now()
			r.out, r.err = e.dispatcher.Dispatch(ctx, block, inputs)
			r.finished = time.Now()
			e.observer.OnBlockCompleted(ctx, c.res, block.ID, block.Type, r.err, r.finished.Sub(r.started))

			if r.err == nil {
				c.arena.set(idx, r.out)
			}
		}()
	}
	wg.Wait()
	return results
}

// stageError decides the outcome of a drained stage. A cancelled or expired
// run context wins over block errors, which usually just echo it.
func (c *coordinator) stageError(ctx context.Context, n int, stage api.Stage, results []blockResult) error {
	if err := c.contextError(ctx, n); err != nil {
		return err
	}

	var (
		first    error
		firstEnd time.Time
	)
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if first == nil || r.finished.Before(firstEnd) {
			first, firstEnd = r.err, r.finished
		}
	}
	return first
}

// contextError maps a done run context to a typed error stamped with the
// stage number.
func (c *coordinator) contextError(ctx context.Context, n int) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)

	var (
		cancelled *api.CancelledError
		timeout   *api.TimeoutError
	)
	switch {
	case errors.As(cause, &cancelled):
		return &api.CancelledError{RunID: c.res.RunID, Stage: n}
	case errors.As(cause, &timeout):
		return &api.TimeoutError{RunID: c.res.RunID, Stage: n}
	default:
		// The caller's context ended (e.g. worker shutdown).
		return &infraError{fmt.Errorf("run %s interrupted in stage %d: %w", c.res.RunID, n, cause)}
	}
}

// checkCancelled runs before each stage so no new stage starts after a
// cancel signal, local or recorded in the store by another process.
func (c *coordinator) checkCancelled(ctx context.Context, n int) error {
	if err := c.contextError(ctx, n); err != nil {
		return err
	}
	requested, err := c.engine.results.CancelRequested(ctx, c.res.RunID)
	if err != nil {
		return &infraError{fmt.Errorf("check cancel request for %s: %w", c.res.RunID, err)}
	}
	if requested {
		return &api.CancelledError{RunID: c.res.RunID, Stage: n}
	}
	return nil
}

func (c *coordinator) recordBlocks(ctx context.Context, n int, stage api.Stage, results []blockResult) {
	for i, id := range stage {
		r := results[i]
		rec := api.BlockRecord{
			Status:     api.StatusCompleted,
			StartedAt:  r.started,
			FinishedAt: r.finished,
		}
		if r.err != nil {
			rec.Status = api.StatusFailed
			rec.Error = r.err.Error()
			c.engine.appendEvent(ctx, api.RunEvent{
				RunID:      c.res.RunID,
				Type:       api.EventBlockFailed,
				WorkflowID: c.res.WorkflowID,
				Stage:      n,
				BlockID:    id,
				Detail:     rec.Error,
			})
		}
		c.res.Blocks[id] = rec
	}
}
