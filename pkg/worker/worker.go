package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/internal/taskqueue"
	"github.com/7ama2004/synapse/pkg/api"
)

const (
	defaultLeaseTTL   = 30 * time.Second
	defaultMaxBackoff = 5 * time.Minute
	dequeueRetryDelay = time.Second
)

// errLeaseLost is the cause set on a task's context when its lease was
// taken over by another worker.
var errLeaseLost = errors.New("task lease lost")

// Config tunes a Worker. Zero values fall back to defaults.
type Config struct {
	// MaxAttempts bounds how many times a task is delivered before it is
	// dropped. Defaults to 1.
	MaxAttempts int

	// Backoff is the delay before the first retry. It doubles with every
	// further attempt up to MaxBackoff (default 5m). Zero retries
	// immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// WorkerID owns queue and run leases. Defaults to a random id.
	WorkerID string

	// LeaseTTL is the queue and run lease duration (default 30s).
	// HeartbeatInterval defaults to LeaseTTL/3.
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// Results, when set, lets Enqueue record PENDING runs and makes the
	// worker hold the run lease while executing.
	Results persistence.ResultStore
	// Events, when set, receives run.enqueued events.
	Events persistence.EventStore

	Logger *slog.Logger

	// OnQueueDepth, when set, receives the queue length sampled by Run
	// before every poll.
	OnQueueDepth func(n int)
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker with the default configuration.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("worker_id", cfg.WorkerID)),
	}
}

// ID returns the lease owner id of this worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Enqueue submits a run for asynchronous execution and returns its run id.
// An empty req.RunID is replaced with a new UUID. When a result store is
// configured the run is recorded as PENDING first; a run that already
// finished is not enqueued again.
func (w *Worker) Enqueue(ctx context.Context, req api.RunRequest) (string, error) {
	return w.EnqueueAt(ctx, req, time.Time{})
}

// EnqueueAt is Enqueue with the run held back until at.
func (w *Worker) EnqueueAt(ctx context.Context, req api.RunRequest, at time.Time) (string, error) {
	if req.WorkflowID == "" {
		return "", errors.New("workflow id is required")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	now := time.Now()

	if w.cfg.Results != nil {
		existing, err := w.cfg.Results.GetResult(ctx, req.RunID)
		switch {
		case err == nil:
			if existing.Status.Terminal() {
				return req.RunID, nil
			}
		case errors.Is(err, persistence.ErrResultNotFound):
			pending := &api.ExecutionResult{
				RunID:      req.RunID,
				WorkflowID: req.WorkflowID,
				UserID:     req.UserID,
				Status:     api.StatusPending,
				Inputs:     req.Inputs,
				Outputs:    map[string]api.BlockOutput{},
				Blocks:     map[string]api.BlockRecord{},
				CreatedAt:  now,
			}
			if err := w.cfg.Results.UpsertResult(ctx, pending); err != nil {
				return "", fmt.Errorf("record pending run %s: %w", req.RunID, err)
			}
		default:
			return "", fmt.Errorf("load result %s: %w", req.RunID, err)
		}
	}

	err := w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeRun,
		RunID:      req.RunID,
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		Inputs:     req.Inputs,
		EnqueuedAt: now,
		NotBefore:  at,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}

	if w.cfg.Events != nil {
		ev := api.RunEvent{RunID: req.RunID, At: now, Type: api.EventRunEnqueued, WorkflowID: req.WorkflowID}
		if err := w.cfg.Events.AppendEvent(ctx, ev); err != nil {
			w.logger.WarnContext(ctx, "event_append_failed", slog.String("run_id", req.RunID), slog.Any("error", err))
		}
	}
	w.logger.DebugContext(ctx, "run_enqueued", slog.String("run_id", req.RunID), slog.String("workflow", req.WorkflowID))
	return req.RunID, nil
}

// EnqueueCancel submits a cancellation request for runID.
func (w *Worker) EnqueueCancel(ctx context.Context, runID string) error {
	err := w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancel,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("enqueue cancel %s: %w", runID, err)
	}
	return nil
}

// settlement is what ProcessOne does with a task once handled.
type settlement struct {
	ack      bool
	retry    bool
	delay    time.Duration
	attempts int
	err      error
}

// ProcessOne leases a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (usually the context's).
//   - processed == true: a task was handled; err reports an infrastructure
//     failure or an unknown task. Run failures are recorded on the result
//     and are not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	logger := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("run_id", task.RunID),
		slog.Int("attempts", task.Attempts),
	)
	ctx = ctxlog.WithLogger(ctx, logger)

	taskCtx, cancelTask := context.WithCancelCause(ctx)
	defer cancelTask(nil)

	var holdsRun atomic.Bool
	hbCtx, stopHB := context.WithCancel(taskCtx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hbCtx, task, &holdsRun, cancelTask)
	}()

	var s settlement
	switch task.Type {
	case taskqueue.TaskTypeRun:
		s = w.processRun(taskCtx, task, &holdsRun)
	case taskqueue.TaskTypeCancel:
		if err := w.engine.Cancel(taskCtx, task.RunID); err != nil {
			s = w.retryOrDrop(task, fmt.Errorf("cancel run %s: %w", task.RunID, err))
		} else {
			s = settlement{ack: true}
		}
	default:
		s = settlement{ack: true, err: fmt.Errorf("unknown task type: %q", task.Type)}
	}

	stopHB()
	hb.Wait()

	if errors.Is(context.Cause(taskCtx), errLeaseLost) {
		logger.WarnContext(ctx, "task_lease_lost")
		return true, errLeaseLost
	}

	// Settle even when ctx was cancelled by shutdown.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case s.retry:
		notBefore := time.Now().Add(s.delay)
		if err := w.queue.Nack(settleCtx, task.ID, w.cfg.WorkerID, notBefore, s.attempts); err != nil {
			return true, errors.Join(s.err, fmt.Errorf("nack task %s: %w", task.ID, err))
		}
		logger.InfoContext(ctx, "task_requeued", slog.Duration("delay", s.delay), slog.Any("error", s.err))
	case s.ack:
		if err := w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID); err != nil {
			return true, errors.Join(s.err, fmt.Errorf("ack task %s: %w", task.ID, err))
		}
	}
	return true, s.err
}

func (w *Worker) processRun(ctx context.Context, task *taskqueue.Task, holdsRun *atomic.Bool) settlement {
	logger := ctxlog.FromContext(ctx)

	if w.cfg.Results != nil {
		acquired, err := w.cfg.Results.TryAcquireLease(ctx, task.RunID, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			return w.retryOrDrop(task, fmt.Errorf("acquire run lease %s: %w", task.RunID, err))
		}
		if !acquired {
			// Another worker is executing this run; look again once its
			// lease could have expired. Not counted as an attempt.
			logger.DebugContext(ctx, "run_leased_elsewhere")
			return settlement{retry: true, delay: w.cfg.LeaseTTL, attempts: task.Attempts}
		}
		holdsRun.Store(true)
		defer func() {
			holdsRun.Store(false)
			if err := w.cfg.Results.ReleaseLease(context.WithoutCancel(ctx), task.RunID, w.cfg.WorkerID); err != nil {
				logger.WarnContext(ctx, "run_lease_release_failed", slog.Any("error", err))
			}
		}()
	}

	res, err := w.execute(ctx, task)
	switch {
	case res == nil && err != nil:
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), errLeaseLost) {
				return settlement{}
			}
			// Shutdown: hand the task back without charging an attempt.
			return settlement{retry: true, attempts: task.Attempts, err: err}
		}
		return w.retryOrDrop(task, err)

	case res != nil && retryable(res):
		if task.Attempts+1 < w.cfg.MaxAttempts {
			logger.InfoContext(ctx, "run_failed_will_retry", slog.String("kind", string(res.Error.Kind)))
			return settlement{retry: true, delay: w.backoff(task.Attempts + 1), attempts: task.Attempts + 1}
		}
		logger.WarnContext(ctx, "run_failed_final", slog.String("kind", string(res.Error.Kind)))
		return settlement{ack: true}

	default:
		if res != nil {
			logger.InfoContext(ctx, "run_processed", slog.String("status", string(res.Status)))
		}
		return settlement{ack: true}
	}
}

// execute runs the task, resuming a stored FAILED run when this delivery
// is a retry or the run was interrupted by a crash.
func (w *Worker) execute(ctx context.Context, task *taskqueue.Task) (*api.ExecutionResult, error) {
	prev, err := w.engine.GetResult(ctx, task.RunID)
	if err != nil {
		var nf *api.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		prev = nil
	}
	if prev != nil && prev.Status == api.StatusFailed && prev.Error != nil {
		if prev.Error.Kind == api.KindInterrupted || (task.Attempts > 0 && retryable(prev)) {
			return w.engine.Resume(ctx, task.RunID)
		}
	}
	return w.engine.Run(ctx, task.RunRequest())
}

// retryable reports whether a failed run may succeed when run again.
func retryable(res *api.ExecutionResult) bool {
	if res.Status != api.StatusFailed || res.Error == nil {
		return false
	}
	switch res.Error.Kind {
	case api.KindHandlerExecution, api.KindTimeout, api.KindInterrupted:
		return true
	}
	return false
}

func (w *Worker) retryOrDrop(task *taskqueue.Task, err error) settlement {
	attempts := task.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		w.logger.Error("task_dropped",
			slog.String("task_id", task.ID),
			slog.String("run_id", task.RunID),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return settlement{ack: true, err: err}
	}
	return settlement{retry: true, delay: w.backoff(attempts), attempts: attempts, err: err}
}

// backoff returns Backoff * 2^(attempt-1), capped at MaxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return min(d, w.cfg.MaxBackoff)
}

// heartbeat renews the task lease, and the run lease while held, until ctx
// is done. Losing a lease cancels the task through lost.
func (w *Worker) heartbeat(ctx context.Context, task *taskqueue.Task, holdsRun *atomic.Bool, lost context.CancelCauseFunc) {
	logger := ctxlog.FromContext(ctx)
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if err := w.queue.RenewLease(ctx, task.ID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, taskqueue.ErrTaskNotLeased) {
				lost(errLeaseLost)
				return
			}
			logger.WarnContext(ctx, "task_lease_renew_failed", slog.Any("error", err))
		}

		if w.cfg.Results != nil && holdsRun.Load() {
			if err := w.cfg.Results.RenewLease(ctx, task.RunID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, persistence.ErrLeaseNotHeld) {
					lost(errLeaseLost)
					return
				}
				logger.WarnContext(ctx, "run_lease_renew_failed", slog.Any("error", err))
			}
		}
	}
}

// Run processes tasks until ctx is done. Task errors are logged and do not
// stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker_started")
	defer w.logger.InfoContext(context.WithoutCancel(ctx), "worker_stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.cfg.OnQueueDepth != nil {
			if n, err := w.queue.Len(ctx); err == nil {
				w.cfg.OnQueueDepth(n)
			}
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !processed {
				w.logger.ErrorContext(ctx, "dequeue_failed", slog.Any("error", err))
				if sleepCtx(ctx, dequeueRetryDelay) != nil {
					return nil
				}
				continue
			}
			w.logger.ErrorContext(ctx, "task_failed", slog.Any("error", err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
