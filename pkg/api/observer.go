package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging, metrics and
// progress reporting.
//
// Implementations should be fast and non-blocking. Block callbacks are made
// concurrently from the goroutines executing a stage. The result passed in
// is owned by the engine and must not be mutated or retained.
type Observer interface {
	// OnRunStart is called once the run is marked RUNNING, before the graph
	// is built.
	OnRunStart(ctx context.Context, res *ExecutionResult)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, res *ExecutionResult)

	// OnRunFailed is called when a run reaches StatusFailed or
	// StatusCancelled.
	OnRunFailed(ctx context.Context, res *ExecutionResult, err error)

	// OnStageStart is called before the blocks of a stage are dispatched.
	// stage is 1-based.
	OnStageStart(ctx context.Context, res *ExecutionResult, stage int, blocks Stage)

	// OnStageCompleted is called after the stage barrier, for both successes
	// and failures (err != nil).
	OnStageCompleted(ctx context.Context, res *ExecutionResult, stage int, err error, d time.Duration)

	// OnBlockStart is called before a block's handler is invoked.
	OnBlockStart(ctx context.Context, res *ExecutionResult, blockID, blockType string)

	// OnBlockCompleted is called after a block's handler returns.
	OnBlockCompleted(ctx context.Context, res *ExecutionResult, blockID, blockType string, err error, d time.Duration)
}

// RunAbortObserver is implemented by observers that track runs in flight.
//
// OnRunAborted is called instead of OnRunCompleted or OnRunFailed when an
// attempt stops without a terminal status: the caller's context ended or a
// store failed. The stored result stays RUNNING and a later attempt of the
// same run will call OnRunStart again.
type RunAbortObserver interface {
	OnRunAborted(ctx context.Context, res *ExecutionResult, err error)
}

// NotifyRunAborted calls o.OnRunAborted when o implements RunAbortObserver.
func NotifyRunAborted(ctx context.Context, o Observer, res *ExecutionResult, err error) {
	if ao, ok := o.(RunAbortObserver); ok {
		ao.OnRunAborted(ctx, res, err)
	}
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, res *ExecutionResult)                {}
func (NoopObserver) OnRunCompleted(ctx context.Context, res *ExecutionResult)            {}
func (NoopObserver) OnRunFailed(ctx context.Context, res *ExecutionResult, err error)    {}
func (NoopObserver) OnStageStart(ctx context.Context, res *ExecutionResult, stage int, blocks Stage) {
}
func (NoopObserver) OnStageCompleted(ctx context.Context, res *ExecutionResult, stage int, err error, d time.Duration) {
}
func (NoopObserver) OnBlockStart(ctx context.Context, res *ExecutionResult, blockID, blockType string) {
}
func (NoopObserver) OnBlockCompleted(ctx context.Context, res *ExecutionResult, blockID, blockType string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, res *ExecutionResult) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, res)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, res *ExecutionResult) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, res)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, res *ExecutionResult, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, res, err)
	}
}

func (c *CompositeObserver) OnRunAborted(ctx context.Context, res *ExecutionResult, err error) {
	for _, o := range c.observers {
		NotifyRunAborted(ctx, o, res, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, res *ExecutionResult, stage int, blocks Stage) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, res, stage, blocks)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, res *ExecutionResult, stage int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, res, stage, err, d)
	}
}

func (c *CompositeObserver) OnBlockStart(ctx context.Context, res *ExecutionResult, blockID, blockType string) {
	for _, o := range c.observers {
		o.OnBlockStart(ctx, res, blockID, blockType)
	}
}

func (c *CompositeObserver) OnBlockCompleted(ctx context.Context, res *ExecutionResult, blockID, blockType string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnBlockCompleted(ctx, res, blockID, blockType, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run, stage and block
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, res *ExecutionResult) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", res.WorkflowID),
		slog.String("run_id", res.RunID),
		slog.Int("attempt", res.Attempt),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, res *ExecutionResult) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", res.WorkflowID),
		slog.String("run_id", res.RunID),
		slog.Int("outputs", len(res.Outputs)),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, res *ExecutionResult, err error) {
	level := slog.LevelError
	if res.Status == StatusCancelled {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "run_failed",
		slog.String("workflow", res.WorkflowID),
		slog.String("run_id", res.RunID),
		slog.String("status", string(res.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunAborted(ctx context.Context, res *ExecutionResult, err error) {
	o.Logger.WarnContext(ctx, "run_aborted",
		slog.String("workflow", res.WorkflowID),
		slog.String("run_id", res.RunID),
		slog.Int("attempt", res.Attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, res *ExecutionResult, stage int, blocks Stage) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("run_id", res.RunID),
		slog.Int("stage", stage),
		slog.Int("stage_count", res.StageCount),
		slog.Any("blocks", []string(blocks)),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, res *ExecutionResult, stage int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("run_id", res.RunID),
		slog.Int("stage", stage),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnBlockStart(ctx context.Context, res *ExecutionResult, blockID, blockType string) {
	o.Logger.DebugContext(ctx, "block_start",
		slog.String("run_id", res.RunID),
		slog.String("block", blockID),
		slog.String("type", blockType),
	)
}

func (o *LoggingObserver) OnBlockCompleted(ctx context.Context, res *ExecutionResult, blockID, blockType string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "block_completed",
		slog.String("run_id", res.RunID),
		slog.String("block", blockID),
		slog.String("type", blockType),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate block durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted        atomic.Int64
	runsCompleted      atomic.Int64
	runsFailed         atomic.Int64
	runsCancelled      atomic.Int64
	runsAborted        atomic.Int64
	stagesCompleted    atomic.Int64
	blocksCompleted    atomic.Int64
	blocksFailed       atomic.Int64
	totalBlockDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	RunsAborted   int64
	RunsInFlight  int64

	StagesCompleted  int64
	BlocksCompleted  int64
	BlocksFailed     int64
	AvgBlockDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, res *ExecutionResult) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, res *ExecutionResult) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, res *ExecutionResult, err error) {
	if res.Status == StatusCancelled {
		m.runsCancelled.Add(1)
		return
	}
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunAborted(ctx context.Context, res *ExecutionResult, err error) {
	m.runsAborted.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, res *ExecutionResult, stage int, err error, d time.Duration) {
	if err == nil {
		m.stagesCompleted.Add(1)
	}
}

func (m *BasicMetrics) OnBlockCompleted(ctx context.Context, res *ExecutionResult, blockID, blockType string, err error, d time.Duration) {
	if err != nil {
		m.blocksFailed.Add(1)
		return
	}
	// Only successful blocks count toward the average.
	m.blocksCompleted.Add(1)
	m.totalBlockDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	aborted := m.runsAborted.Load()
	blocks := m.blocksCompleted.Load()
	totalNs := m.totalBlockDuration.Load()

	var avg time.Duration
	if blocks > 0 {
		avg = time.Duration(totalNs / blocks)
	}

	return BasicMetricsSnapshot{
		RunsStarted:      started,
		RunsCompleted:    completed,
		RunsFailed:       failed,
		RunsCancelled:    cancelled,
		RunsAborted:      aborted,
		RunsInFlight:     started - completed - failed - cancelled - aborted,
		StagesCompleted:  m.stagesCompleted.Load(),
		BlocksCompleted:  blocks,
		BlocksFailed:     m.blocksFailed.Load(),
		AvgBlockDuration: avg,
	}
}
