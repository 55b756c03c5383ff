package synapse

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/7ama2004/synapse/internal/engine"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/internal/taskqueue"
	"github.com/7ama2004/synapse/pkg/api"
	workerpkg "github.com/7ama2004/synapse/pkg/worker"
)

const waitPollInterval = 20 * time.Millisecond

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. The worker shares the engine's result
// and event stores, so enqueued runs are visible as PENDING.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

func newBundle(p persistence.Persistence, q taskqueue.Queue, reg *Registry, cfg workerpkg.Config, opts []EngineOption) *WorkerBundle {
	ecfg := engine.Config{Persistence: p, Registry: reg}
	for _, opt := range opts {
		opt(&ecfg)
	}
	eng := engine.NewEngineWithConfig(ecfg)

	if cfg.Results == nil {
		cfg.Results = p.Results
	}
	if cfg.Events == nil {
		cfg.Events = p.Events
	}
	if cfg.Logger == nil {
		cfg.Logger = ecfg.Logger
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Definitions, results, history and queued tasks
// are all persisted in db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:synapse.db?_journal=WAL")
//	db.SetMaxOpenConns(1)
//	bundle, err := synapse.NewSQLiteBundle(db, reg, worker.Config{MaxAttempts: 3})
//	// register workflows on bundle.Engine
//	// enqueue runs via bundle.Worker
func NewSQLiteBundle(db *sql.DB, reg *Registry, cfg workerpkg.Config, opts ...EngineOption) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	p := persistence.Persistence{Definitions: store, Results: store, Events: events}
	return newBundle(p, q, reg, cfg, opts), nil
}

// NewPostgresBundle stores results and queued tasks in PostgreSQL.
// Definitions are kept in memory, so register them on every start.
func NewPostgresBundle(db *sql.DB, reg *Registry, cfg workerpkg.Config, opts ...EngineOption) (*WorkerBundle, error) {
	results, err := persistence.NewPostgresResultStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	p := persistence.Persistence{
		Definitions: persistence.NewInMemoryStore(),
		Results:     results,
		Events:      persistence.NewInMemoryEventStore(),
	}
	return newBundle(p, q, reg, cfg, opts), nil
}

// NewRedisBundle stores results and queued tasks in Redis under prefix
// ("synapse:" when empty). Definitions are kept in memory.
func NewRedisBundle(client *redis.Client, prefix string, reg *Registry, cfg workerpkg.Config, opts ...EngineOption) *WorkerBundle {
	if prefix == "" {
		prefix = "synapse:"
	}
	p := persistence.Persistence{
		Definitions: persistence.NewInMemoryStore(),
		Results:     persistence.NewRedisResultStore(client, prefix),
		Events:      persistence.NewInMemoryEventStore(),
	}
	return newBundle(p, taskqueue.NewRedisQueue(client, prefix), reg, cfg, opts)
}

// NewMongoBundle stores definitions, results and queued tasks in MongoDB
// using the default database and collection names.
func NewMongoBundle(client *mongo.Client, reg *Registry, cfg workerpkg.Config, opts ...EngineOption) *WorkerBundle {
	p := persistence.Persistence{
		Definitions: persistence.NewMongoDefinitionStore(client, "", ""),
		Results:     persistence.NewMongoResultStore(client, "", ""),
		Events:      persistence.NewInMemoryEventStore(),
	}
	return newBundle(p, taskqueue.NewMongoQueue(client, "", ""), reg, cfg, opts)
}

// Pending returns the number of queued tasks not yet acknowledged.
func (b *WorkerBundle) Pending(ctx context.Context) (int, error) {
	return b.queue.Len(ctx)
}

// WaitForResult polls eng until the run reaches a terminal state or ctx is
// done. A run that is not yet recorded is waited for as well.
func WaitForResult(ctx context.Context, eng Engine, runID string) (*ExecutionResult, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	var notFound *api.NotFoundError
	for {
		res, err := eng.GetResult(ctx, runID)
		switch {
		case err == nil && res.Status.Terminal():
			return res, nil
		case err != nil && !errors.As(err, &notFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
