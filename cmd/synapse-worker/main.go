// Command synapse-worker executes queued workflow runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/7ama2004/synapse/internal/blocks"
	"github.com/7ama2004/synapse/internal/config"
	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/internal/engine"
	"github.com/7ama2004/synapse/internal/metrics"
	"github.com/7ama2004/synapse/internal/progress"
	"github.com/7ama2004/synapse/pkg/api"
	"github.com/7ama2004/synapse/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		var exitErr *config.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the worker process and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, args []string, env func(string) string, outW io.Writer) error {
	cfg, err := config.Parse(args, env)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("starting synapse-worker", "backend", cfg.Backend, "workers", cfg.Workers)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	reg := dispatch.NewRegistry()
	if err := blocks.RegisterBuiltins(reg, blocks.NewAIClient(cfg.AIServiceURL)); err != nil {
		return fmt.Errorf("register built-in blocks: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	observers := []api.Observer{api.NewLoggingObserver(logger), m}
	if cfg.ProgressURL != "" {
		pub, err := progress.Dial(ctx, cfg.ProgressURL, progress.DialOptions{})
		if err != nil {
			// Runs still execute without live progress.
			logger.Warn("progress publisher unavailable", "error", err)
		} else {
			defer pub.Close()
			observers = append(observers, pub)
		}
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence:       b.persistence,
		Registry:          reg,
		Observer:          api.NewCompositeObserver(observers...),
		Logger:            logger,
		RunTimeout:        cfg.RunTimeout,
		MaxParallelBlocks: cfg.MaxParallelBlocks,
	})

	n, err := eng.RecoverStuckRuns(ctx)
	if err != nil {
		return fmt.Errorf("recover stuck runs: %w", err)
	}
	if n > 0 {
		logger.Warn("marked interrupted runs as failed", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		w := worker.NewWithConfig(eng, b.queue, worker.Config{
			MaxAttempts:  cfg.MaxAttempts,
			Backoff:      cfg.Backoff,
			LeaseTTL:     cfg.LeaseTTL,
			Results:      b.persistence.Results,
			Events:       b.persistence.Events,
			Logger:       logger,
			OnQueueDepth: m.SetQueueDepth,
		})
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.HTTPAddr != "" {
		srv := newServer(cfg.HTTPAddr, promReg)
		g.Go(func() error { return serve(gctx, srv) })
	}

	err = g.Wait()
	logger.Info("synapse-worker stopped")
	return err
}

// newLogger creates a slog.Logger for the given level and format without
// touching the global logger.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
