package api

import "context"

// Engine is the high-level engine API.
type Engine interface {
	// RegisterWorkflow validates and stores a definition by ID.
	// Re-registering an ID replaces the stored definition.
	RegisterWorkflow(ctx context.Context, def Definition) error

	// Plan returns the execution plan for a stored definition without
	// running any handler.
	Plan(ctx context.Context, workflowID string) (Plan, error)

	// Run executes the workflow synchronously and persists the result.
	//
	// The returned result is non-nil whenever the run reached a terminal
	// state; err is then the typed run error (nil on success). A nil result
	// with a non-nil error means infrastructure failed before the run could
	// be recorded.
	//
	// Run is idempotent per RunID: a run already in a terminal state is
	// returned as stored without executing again.
	Run(ctx context.Context, req RunRequest) (*ExecutionResult, error)

	// GetResult looks up a run by ID.
	GetResult(ctx context.Context, runID string) (*ExecutionResult, error)

	// ListResults returns results matching opts, newest first.
	ListResults(ctx context.Context, opts ResultListOptions) ([]*ExecutionResult, error)

	// Cancel requests cancellation of a run. A run executing in this process
	// stops before its next stage; other processes observe the request
	// between stages. Cancelling a terminal run is a no-op.
	Cancel(ctx context.Context, runID string) error

	// Resume re-executes a FAILED or CANCELLED run from stage 1 with its
	// stored inputs. The run ID is kept and Attempt is incremented.
	Resume(ctx context.Context, runID string) (*ExecutionResult, error)

	// RecoverStuckRuns marks runs still RUNNING (for example after a crash)
	// as FAILED with an interrupted error. Call it on startup before workers
	// begin. It returns the number of runs updated.
	RecoverStuckRuns(ctx context.Context) (int, error)
}

// HistoryReader allows reading a run's event history.
type HistoryReader interface {
	// ListEvents returns all events for a run in chronological order.
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)
}
