package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/7ama2004/synapse/internal/config"
	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/hcldef"
	"github.com/7ama2004/synapse/internal/persistence"
	"github.com/7ama2004/synapse/internal/taskqueue"
)

// backend is the storage and queue selected by -backend.
type backend struct {
	persistence persistence.Persistence
	queue       taskqueue.Queue
	close       func()
}

type pollIntervalSetter interface {
	SetPollInterval(d time.Duration)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.DefinitionsDir != "" {
		defs, err := hcldef.Open(ctx, cfg.DefinitionsDir)
		if err != nil {
			b.close()
			return nil, err
		}
		b.persistence.Definitions = defs
	}
	if s, ok := b.queue.(pollIntervalSetter); ok {
		s.SetPollInterval(cfg.PollInterval)
	}
	return b, nil
}

func openStores(ctx context.Context, cfg *config.Config) (*backend, error) {
	logger := ctxlog.FromContext(ctx)

	switch cfg.Backend {
	case config.BackendMemory:
		store := persistence.NewInMemoryStore()
		return &backend{
			persistence: persistence.Persistence{Definitions: store, Results: store, Events: persistence.NewInMemoryEventStore()},
			queue:       taskqueue.NewInMemoryQueue(),
			close:       func() {},
		}, nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &backend{
			persistence: persistence.Persistence{Definitions: store, Results: store, Events: events},
			queue:       q,
			close:       func() { db.Close() },
		}, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		results, err := persistence.NewPostgresResultStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		q, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		if cfg.DefinitionsDir == "" {
			logger.Warn("postgres backend keeps definitions in memory; set -definitions-dir to load them")
		}
		return &backend{
			persistence: persistence.Persistence{
				Definitions: persistence.NewInMemoryStore(),
				Results:     results,
				Events:      persistence.NewInMemoryEventStore(),
			},
			queue: q,
			close: func() { db.Close() },
		}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		if cfg.DefinitionsDir == "" {
			logger.Warn("redis backend keeps definitions in memory; set -definitions-dir to load them")
		}
		return &backend{
			persistence: persistence.Persistence{
				Definitions: persistence.NewInMemoryStore(),
				Results:     persistence.NewRedisResultStore(client, "synapse:"),
				Events:      persistence.NewInMemoryEventStore(),
			},
			queue: taskqueue.NewRedisQueue(client, "synapse:"),
			close: func() { client.Close() },
		}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return &backend{
			persistence: persistence.Persistence{
				Definitions: persistence.NewMongoDefinitionStore(client, "", ""),
				Results:     persistence.NewMongoResultStore(client, "", ""),
				Events:      persistence.NewInMemoryEventStore(),
			},
			queue: taskqueue.NewMongoQueue(client, "", ""),
			close: func() { client.Disconnect(context.Background()) },
		}, nil
	}
	return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}
