package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/graph"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/pkg/api"
)

// recoveryLeaseTTL bounds how long RecoverStuckRuns holds a run lease.
const recoveryLeaseTTL = 30 * time.Second

// engineImpl is a synchronous, in-process engine implementation.
type engineImpl struct {
	definitions persistence.DefinitionStore
	results     persistence.ResultStore
	events      persistence.EventStore

	dispatcher *dispatch.Dispatcher
	observer   api.Observer
	logger     *slog.Logger

	runTimeout  time.Duration
	maxParallel int
	owner       string

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// Ensure engineImpl implements the public interfaces.
var (
	_ api.Engine        = (*engineImpl)(nil)
	_ api.HistoryReader = (*engineImpl)(nil)
)

// Config describes how to construct an engine.
// External callers normally use the helper constructors.
type Config struct {
	Persistence persistence.Persistence

	// Registry maps block types to handlers. Nil means an empty registry,
	// so every block fails with an unknown type.
	Registry *dispatch.Registry

	Observer api.Observer
	Logger   *slog.Logger

	// RunTimeout bounds a whole run; zero means no deadline.
	RunTimeout time.Duration

	// MaxParallelBlocks caps concurrently running blocks within a stage;
	// zero means one goroutine per block with no cap.
	MaxParallelBlocks int

	// LeaseOwner identifies this engine when it takes run leases during
	// recovery. Defaults to a random id.
	LeaseOwner string
}

// Option adjusts the Config built by the backend helper constructors.
type Option func(*Config)

// WithObserver sets the observer notified of run, stage and block events.
func WithObserver(obs api.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithRunTimeout bounds every run.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Config) { c.RunTimeout = d }
}

// WithMaxParallelBlocks caps concurrently running blocks per stage.
func WithMaxParallelBlocks(n int) Option {
	return func(c *Config) { c.MaxParallelBlocks = n }
}

func withOptions(cfg Config, opts []Option) api.Engine {
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Definitions == nil || p.Results == nil {
		mem := persistence.NewInMemoryStore()
		if p.Definitions == nil {
			p.Definitions = mem
		}
		if p.Results == nil {
			p.Results = mem
		}
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	reg := cfg.Registry
	if reg == nil {
		reg = dispatch.NewRegistry()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	owner := cfg.LeaseOwner
	if owner == "" {
		owner = "engine-" + uuid.NewString()
	}

	return &engineImpl{
		definitions: p.Definitions,
		results:     p.Results,
		events:      p.Events,
		dispatcher:  dispatch.New(reg),
		observer:    obs,
		logger:      logger,
		runTimeout:  cfg.RunTimeout,
		maxParallel: cfg.MaxParallelBlocks,
		owner:       owner,
		active:      make(map[string]context.CancelCauseFunc),
	}
}

// NewInMemoryEngine returns an engine that keeps definitions, results and
// history in process memory.
func NewInMemoryEngine(reg *dispatch.Registry, opts ...Option) api.Engine {
	mem := persistence.NewInMemoryStore()
	return withOptions(Config{
		Persistence: persistence.Persistence{
			Definitions: mem,
			Results:     mem,
			Events:      persistence.NewInMemoryEventStore(),
		},
		Registry: reg,
	}, opts)
}

// NewSQLiteEngine persists definitions, results and history in SQLite.
func NewSQLiteEngine(db *sql.DB, reg *dispatch.Registry, opts ...Option) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return withOptions(Config{
		Persistence: persistence.Persistence{
			Definitions: store,
			Results:     store,
			Events:      events,
		},
		Registry: reg,
	}, opts), nil
}

// NewPostgresEngine persists results in PostgreSQL. Definitions are kept
// in memory, so register them on every process start.
func NewPostgresEngine(db *sql.DB, reg *dispatch.Registry, opts ...Option) (api.Engine, error) {
	results, err := persistence.NewPostgresResultStore(db)
	if err != nil {
		return nil, err
	}
	return withOptions(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Results:     results,
			Events:      persistence.NewInMemoryEventStore(),
		},
		Registry: reg,
	}, opts), nil
}

// NewRedisEngine persists results in Redis under the "synapse:" prefix.
func NewRedisEngine(client *redis.Client, reg *dispatch.Registry, opts ...Option) api.Engine {
	return withOptions(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Results:     persistence.NewRedisResultStore(client, "synapse:"),
			Events:      persistence.NewInMemoryEventStore(),
		},
		Registry: reg,
	}, opts)
}

// NewMongoEngine persists definitions and results in MongoDB using the
// default database and collection names.
func NewMongoEngine(client *mongo.Client, reg *dispatch.Registry, opts ...Option) api.Engine {
	return withOptions(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewMongoDefinitionStore(client, "", ""),
			Results:     persistence.NewMongoResultStore(client, "", ""),
			Events:      persistence.NewInMemoryEventStore(),
		},
		Registry: reg,
	}, opts)
}

func (e *engineImpl) RegisterWorkflow(ctx context.Context, def api.Definition) error {
	if def.ID == "" {
		return &api.InvalidGraphError{Reason: "workflow id is required"}
	}
	if _, _, err := e.compile(def, placeholderInputs(def)); err != nil {
		return err
	}
	return e.definitions.SaveDefinition(ctx, def)
}

func (e *engineImpl) Plan(ctx context.Context, workflowID string) (api.Plan, error) {
	def, err := e.definition(ctx, workflowID)
	if err != nil {
		return api.Plan{}, err
	}
	_, plan, err := e.compile(def, placeholderInputs(def))
	return plan, err
}

func (e *engineImpl) Run(ctx context.Context, req api.RunRequest) (*api.ExecutionResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	prev, err := e.results.GetResult(ctx, req.RunID)
	switch {
	case err == nil:
		if prev.Status.Terminal() {
			// Redelivered run: hand back what was stored.
			return prev, storedError(prev)
		}
	case errors.Is(err, persistence.ErrResultNotFound):
		prev = nil
	default:
		return nil, fmt.Errorf("load result %s: %w", req.RunID, err)
	}

	return e.execute(ctx, req, prev)
}

func (e *engineImpl) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	res, err := e.results.GetResult(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrResultNotFound) {
			return nil, &api.NotFoundError{What: "run", ID: runID}
		}
		return nil, err
	}
	return res, nil
}

func (e *engineImpl) ListResults(ctx context.Context, opts api.ResultListOptions) ([]*api.ExecutionResult, error) {
	return e.results.ListResults(ctx, persistence.ResultFilter{
		WorkflowID: opts.WorkflowID,
		UserID:     opts.UserID,
		Status:     opts.Status,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

func (e *engineImpl) Cancel(ctx context.Context, runID string) error {
	res, err := e.results.GetResult(ctx, runID)
	if err != nil && !errors.Is(err, persistence.ErrResultNotFound) {
		return err
	}
	if res != nil && res.Status.Terminal() {
		return nil
	}

	if err := e.results.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("record cancel request for %s: %w", runID, err)
	}

	e.mu.Lock()
	cancel, running := e.active[runID]
	e.mu.Unlock()
	if running {
		cancel(&api.CancelledError{RunID: runID})
		return nil
	}

	// A queued run that never started is finished right away.
	if res != nil && res.Status == api.StatusPending {
		cerr := &api.CancelledError{RunID: runID}
		res.Status = api.StatusCancelled
		res.Error = api.NewRunError(cerr)
		res.FinishedAt = time.Now()
		if err := e.results.UpsertResult(ctx, res); err != nil {
			return fmt.Errorf("persist cancelled result %s: %w", runID, err)
		}
		e.appendEvent(ctx, api.RunEvent{RunID: runID, Type: api.EventRunCancelled, WorkflowID: res.WorkflowID, Detail: cerr.Error()})
	}
	return nil
}

func (e *engineImpl) Resume(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	prev, err := e.GetResult(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.Status != api.StatusFailed && prev.Status != api.StatusCancelled {
		return nil, fmt.Errorf("cannot resume run %s in status %s", runID, prev.Status)
	}
	if err := e.results.ClearCancel(ctx, runID); err != nil {
		return nil, fmt.Errorf("clear cancel request for %s: %w", runID, err)
	}

	return e.execute(ctx, api.RunRequest{
		RunID:      prev.RunID,
		WorkflowID: prev.WorkflowID,
		UserID:     prev.UserID,
		Inputs:     prev.Inputs,
	}, prev)
}

// RecoverStuckRuns marks RUNNING runs that nobody holds a lease on as
// FAILED with an interrupted error.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	stuck, err := e.results.ListResults(ctx, persistence.ResultFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, res := range stuck {
		e.mu.Lock()
		_, local := e.active[res.RunID]
		e.mu.Unlock()
		if local {
			continue
		}

		acquired, err := e.results.TryAcquireLease(ctx, res.RunID, e.owner, recoveryLeaseTTL)
		if err != nil {
			return recovered, err
		}
		if !acquired {
			// Another worker is executing it.
			continue
		}

		res.Status = api.StatusFailed
		res.Error = &api.RunError{Kind: api.KindInterrupted, Message: "run interrupted before completion"}
		res.FinishedAt = time.Now()
		err = e.results.UpsertResult(ctx, res)
		_ = e.results.ReleaseLease(ctx, res.RunID, e.owner)
		if err != nil {
			return recovered, err
		}

		e.appendEvent(ctx, api.RunEvent{RunID: res.RunID, Type: api.EventRunFailed, WorkflowID: res.WorkflowID, Detail: res.Error.Message})
		e.logger.WarnContext(ctx, "run_recovered",
			slog.String("run_id", res.RunID),
			slog.String("workflow", res.WorkflowID),
			slog.Int("stage", res.CurrentStage),
		)
		recovered++
	}
	return recovered, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	return e.events.ListEvents(ctx, runID)
}

func (e *engineImpl) definition(ctx context.Context, workflowID string) (api.Definition, error) {
	def, err := e.definitions.GetDefinition(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return api.Definition{}, &api.NotFoundError{What: "workflow", ID: workflowID}
		}
		return api.Definition{}, err
	}
	return def, nil
}

// compile normalizes ports, builds and validates the graph, and plans it.
func (e *engineImpl) compile(def api.Definition, inputs map[string]any) (*graph.Graph, api.Plan, error) {
	blocks := inferPorts(e.dispatcher.Registry().Normalize(def.Blocks), def.Connections)

	g, err := graph.Build(blocks, def.Connections, inputs)
	if err != nil {
		return nil, api.Plan{}, err
	}
	if cycle := graph.DetectCycle(g); cycle != nil {
		return nil, api.Plan{}, &api.CyclicGraphError{Cycle: cycle}
	}
	plan, err := graph.Plan(g, graph.Resolve(g))
	if err != nil {
		return nil, api.Plan{}, err
	}
	return g, plan, nil
}

// inferPorts gives blocks that declare no ports (typically blocks of an
// unregistered type) the ports their connections use, so an unknown type
// surfaces when the block is dispatched rather than as a graph error.
func inferPorts(blocks []api.Block, conns []api.Connection) []api.Block {
	for i := range blocks {
		b := &blocks[i]
		if len(b.Inputs) > 0 || len(b.Outputs) > 0 {
			continue
		}
		for _, c := range conns {
			if c.Target.BlockID == b.ID && !slices.Contains(b.Inputs, c.Target.Port) {
				b.Inputs = append(b.Inputs, c.Target.Port)
			}
			if c.Source.BlockID == b.ID && !slices.Contains(b.Outputs, c.Source.Port) {
				b.Outputs = append(b.Outputs, c.Source.Port)
			}
		}
	}
	return blocks
}

// placeholderInputs declares every initial input a definition reads, for
// validating and planning without a concrete run.
func placeholderInputs(def api.Definition) map[string]any {
	in := map[string]any{}
	for _, c := range def.Connections {
		if c.Source.BlockID == api.InputBlockID {
			in[c.Source.Port] = nil
		}
	}
	return in
}

// storedError returns the stored run error as an error value, or nil.
func storedError(res *api.ExecutionResult) error {
	if res.Error == nil {
		return nil
	}
	return res.Error
}

func (e *engineImpl) appendEvent(ctx context.Context, ev api.RunEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		ctxlog.FromContext(ctx).WarnContext(ctx, "event_append_failed",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) track(runID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
}

func (e *engineImpl) untrack(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}
