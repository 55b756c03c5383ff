package synapse

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/7ama2004/synapse/internal/blocks"
	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/engine"
	"github.com/7ama2004/synapse/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine            = api.Engine
	Definition        = api.Definition
	Block             = api.Block
	Connection        = api.Connection
	Endpoint          = api.Endpoint
	RunRequest        = api.RunRequest
	ExecutionResult   = api.ExecutionResult
	ResultListOptions = api.ResultListOptions
	Plan              = api.Plan
	Status            = api.Status
	Handler           = api.Handler
	HandlerFunc       = api.HandlerFunc
	PortSpec          = api.PortSpec
	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	BasicMetrics      = api.BasicMetrics
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver
	RunError          = api.RunError
	ErrorKind         = api.ErrorKind

	// Registry maps block types to handlers.
	Registry = dispatch.Registry

	// EngineOption adjusts an engine built by one of the constructors below.
	EngineOption = engine.Option
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = dispatch.NewRegistry

	WithObserver          = engine.WithObserver
	WithLogger            = engine.WithLogger
	WithRunTimeout        = engine.WithRunTimeout
	WithMaxParallelBlocks = engine.WithMaxParallelBlocks
)

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	// InputBlockID names the synthetic block whose output ports carry a
	// run's initial inputs, e.g. "__input__.text".
	InputBlockID = api.InputBlockID
)

// NewBuiltinRegistry returns a registry holding the built-in block types.
// AI blocks call the service at aiServiceURL.
func NewBuiltinRegistry(aiServiceURL string) (*Registry, error) {
	reg := dispatch.NewRegistry()
	if err := blocks.RegisterBuiltins(reg, blocks.NewAIClient(aiServiceURL)); err != nil {
		return nil, err
	}
	return reg, nil
}

// Engine constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(reg *Registry, opts ...EngineOption) Engine {
	return engine.NewInMemoryEngine(reg, opts...)
}

// NewSQLiteEngine returns an Engine that persists definitions, results and
// history in a SQLite database.
func NewSQLiteEngine(db *sql.DB, reg *Registry, opts ...EngineOption) (Engine, error) {
	return engine.NewSQLiteEngine(db, reg, opts...)
}

// NewPostgresEngine returns an Engine that persists results in PostgreSQL.
func NewPostgresEngine(db *sql.DB, reg *Registry, opts ...EngineOption) (Engine, error) {
	return engine.NewPostgresEngine(db, reg, opts...)
}

// NewRedisEngine returns an Engine that persists results in Redis.
func NewRedisEngine(client *redis.Client, reg *Registry, opts ...EngineOption) Engine {
	return engine.NewRedisEngine(client, reg, opts...)
}

// NewMongoEngine returns an Engine that persists definitions and results in
// MongoDB.
func NewMongoEngine(client *mongo.Client, reg *Registry, opts ...EngineOption) Engine {
	return engine.NewMongoEngine(client, reg, opts...)
}

// Convenience helpers that just forward to the underlying Engine.

// Run executes a registered workflow synchronously with the given inputs.
func Run(ctx context.Context, eng Engine, workflowID string, inputs map[string]any) (*ExecutionResult, error) {
	return eng.Run(ctx, RunRequest{WorkflowID: workflowID, Inputs: inputs})
}

// GetResult fetches a run by ID.
func GetResult(ctx context.Context, eng Engine, runID string) (*ExecutionResult, error) {
	return eng.GetResult(ctx, runID)
}

// ListResults lists runs according to the given options.
func ListResults(ctx context.Context, eng Engine, opts ResultListOptions) ([]*ExecutionResult, error) {
	return eng.ListResults(ctx, opts)
}

// Resume re-runs a failed or cancelled run.
func Resume(ctx context.Context, eng Engine, runID string) (*ExecutionResult, error) {
	return eng.Resume(ctx, runID)
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := synapse.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
