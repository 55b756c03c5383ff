// Package config parses the worker's command line and environment into a
// validated Config. Every flag has a SYNAPSE_* environment fallback; an
// explicit flag wins over the environment.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExitError carries the exit code the process should terminate with.
// Code 0 is used for -h output.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Backends accepted by -backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config is the worker configuration.
type Config struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	MongoURI    string

	// DefinitionsDir, when set, serves workflow definitions from HCL files
	// instead of the backend's definition store.
	DefinitionsDir string

	Workers      int
	MaxAttempts  int
	Backoff      time.Duration
	LeaseTTL     time.Duration
	PollInterval time.Duration

	RunTimeout        time.Duration
	MaxParallelBlocks int

	AIServiceURL string
	ProgressURL  string
	HTTPAddr     string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend:      BackendMemory,
		SQLitePath:   "synapse.db",
		RedisAddr:    "localhost:6379",
		MongoURI:     "mongodb://localhost:27017",
		Workers:      4,
		MaxAttempts:  3,
		Backoff:      2 * time.Second,
		LeaseTTL:     30 * time.Second,
		PollInterval: 500 * time.Millisecond,
		AIServiceURL: "http://localhost:3004",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// Parse reads args (without the program name) and env. A nil env reads
// nothing from the environment.
func Parse(args []string, env func(string) string) (*Config, error) {
	if env == nil {
		env = func(string) string { return "" }
	}

	cfg := Default()
	var envErrs []error
	str := func(p *string, key string) {
		if v := env(key); v != "" {
			*p = v
		}
	}
	num := func(p *int, key string) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				envErrs = append(envErrs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*p = n
		}
	}
	dur := func(p *time.Duration, key string) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				envErrs = append(envErrs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*p = d
		}
	}

	str(&cfg.Backend, "SYNAPSE_BACKEND")
	str(&cfg.SQLitePath, "SYNAPSE_SQLITE_PATH")
	str(&cfg.PostgresDSN, "SYNAPSE_POSTGRES_DSN")
	str(&cfg.RedisAddr, "SYNAPSE_REDIS_ADDR")
	str(&cfg.MongoURI, "SYNAPSE_MONGO_URI")
	str(&cfg.DefinitionsDir, "SYNAPSE_DEFINITIONS_DIR")
	num(&cfg.Workers, "SYNAPSE_WORKERS")
	num(&cfg.MaxAttempts, "SYNAPSE_MAX_ATTEMPTS")
	dur(&cfg.Backoff, "SYNAPSE_BACKOFF")
	dur(&cfg.LeaseTTL, "SYNAPSE_LEASE_TTL")
	dur(&cfg.PollInterval, "SYNAPSE_POLL_INTERVAL")
	dur(&cfg.RunTimeout, "SYNAPSE_RUN_TIMEOUT")
	num(&cfg.MaxParallelBlocks, "SYNAPSE_MAX_PARALLEL_BLOCKS")
	str(&cfg.AIServiceURL, "SYNAPSE_AI_SERVICE_URL")
	str(&cfg.ProgressURL, "SYNAPSE_PROGRESS_URL")
	str(&cfg.HTTPAddr, "SYNAPSE_HTTP_ADDR")
	str(&cfg.LogLevel, "SYNAPSE_LOG_LEVEL")
	str(&cfg.LogFormat, "SYNAPSE_LOG_FORMAT")

	if err := errors.Join(envErrs...); err != nil {
		return nil, &ExitError{Code: 2, Message: "invalid environment: " + err.Error()}
	}

	var out bytes.Buffer
	fs := flag.NewFlagSet("synapse-worker", flag.ContinueOnError)
	fs.SetOutput(&out)
	fs.Usage = func() {
		fmt.Fprint(&out, `
synapse-worker - executes queued workflow runs.

Usage:
  synapse-worker [options]

Every option can also be set through the SYNAPSE_* variable named after it,
for example -max-attempts and SYNAPSE_MAX_ATTEMPTS.

Options:
`)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage and queue backend: memory, sqlite, postgres, redis or mongo.")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file.")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string.")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address.")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI.")
	fs.StringVar(&cfg.DefinitionsDir, "definitions-dir", cfg.DefinitionsDir, "Directory of .hcl workflow definitions.")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent worker loops.")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Deliveries of a task before it is dropped.")
	fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "Base delay before a failed task is retried.")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Queue and run lease duration.")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between polls of an empty queue.")
	fs.DurationVar(&cfg.RunTimeout, "run-timeout", cfg.RunTimeout, "Deadline for a whole run. 0 disables it.")
	fs.IntVar(&cfg.MaxParallelBlocks, "max-parallel-blocks", cfg.MaxParallelBlocks, "Cap on concurrently running blocks per stage. 0 is unlimited.")
	fs.StringVar(&cfg.AIServiceURL, "ai-service-url", cfg.AIServiceURL, "Base URL of the AI service.")
	fs.StringVar(&cfg.ProgressURL, "progress-url", cfg.ProgressURL, "socket.io URL for progress updates. Empty disables publishing.")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "Listen address for /healthz and /metrics. Empty disables it.")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Logging level: debug, info, warn or error.")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log output format: text or json.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, &ExitError{Code: 0, Message: out.String()}
		}
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	if fs.NArg() > 0 {
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %s", strings.Join(fs.Args(), " "))}
	}

	cfg.Backend = strings.ToLower(cfg.Backend)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return &cfg, nil
}

// Validate checks field ranges and backend-specific requirements.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite backend requires -sqlite-path"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres backend requires -postgres-dsn"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis backend requires -redis-addr"))
		}
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("mongo backend requires -mongo-uri"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid backend %q", c.Backend))
	}

	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max-attempts must be at least 1"))
	}
	if c.Backoff < 0 {
		errs = append(errs, errors.New("backoff must not be negative"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease-ttl must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll-interval must be positive"))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, errors.New("run-timeout must not be negative"))
	}
	if c.MaxParallelBlocks < 0 {
		errs = append(errs, errors.New("max-parallel-blocks must not be negative"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, errors.New("invalid log-format: must be 'text' or 'json'"))
	}
	return errors.Join(errs...)
}
