package river

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/mechane/dispatch"
	"github.com/lirancohen/mechane/runbook"
)

// Default configuration values.
const (
	// DefaultWorkers selects runtime.NumCPU() worker slots.
	// Use 0 for insert-only mode: jobs are enqueued but not processed.
	DefaultWorkers = -1

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultDrainInterval paces the periodic outbox drain.
	DefaultDrainInterval = 30 * time.Second

	// DefaultDrainBatch bounds rows claimed per drain pass.
	DefaultDrainBatch = 25
)

// Logger defines the logging interface for the runner.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Config configures the Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool backing the job queue.
	// Required.
	Pool *pgxpool.Pool

	// Store provides plans, event history, and write-set locks.
	// Required.
	Store runbook.Store

	// Compiler turns invocations into stored runbooks.
	// Required.
	Compiler *runbook.Compiler

	// Executor walks stored runbooks. Wire the Dispatcher as its token
	// reader so re-entry into a parked runbook picks up tokens a signal
	// resolved before the park committed.
	// Required.
	Executor *runbook.Executor

	// Dispatcher hands orchestrated steps to the process backend and
	// owns the outbox the drain worker empties.
	// Required.
	Dispatcher *dispatch.Dispatcher

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Workers is the number of worker slots for processing jobs.
	// If zero, runs in insert-only mode (no job processing).
	// If negative, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout (30s).
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout (30s).
	ShutdownTimeout time.Duration

	// DrainInterval is the period of the background outbox drain.
	// If zero, defaults to DefaultDrainInterval (30s).
	DrainInterval time.Duration

	// DrainBatch bounds rows claimed per drain pass.
	// If zero, defaults to DefaultDrainBatch (25).
	DrainBatch int
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Store == nil {
		return errors.New("river: Store is required")
	}
	if c.Compiler == nil {
		return errors.New("river: Compiler is required")
	}
	if c.Executor == nil {
		return errors.New("river: Executor is required")
	}
	if c.Dispatcher == nil {
		return errors.New("river: Dispatcher is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
// Note: Workers=0 means insert-only mode and is preserved.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

// envConfig binds the operational knobs from the environment. Pointer
// fields distinguish unset variables from explicit zeros, so
// MECHANE_WORKERS=0 selects insert-only mode while an absent variable
// keeps the base value.
type envConfig struct {
	Workers         *int           `env:"MECHANE_WORKERS"`
	JobTimeout      *time.Duration `env:"MECHANE_JOB_TIMEOUT"`
	ShutdownTimeout *time.Duration `env:"MECHANE_SHUTDOWN_TIMEOUT"`
	DrainInterval   *time.Duration `env:"MECHANE_DRAIN_INTERVAL"`
	DrainBatch      *int           `env:"MECHANE_DRAIN_BATCH"`
}

// ConfigFromEnv returns a copy of base with any MECHANE_* environment
// overrides applied. Collaborators (pool, store, compiler, executor,
// dispatcher) are never touched; only operational knobs are bound.
func ConfigFromEnv(base Config) (Config, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return Config{}, fmt.Errorf("river: parse env: %w", err)
	}

	cfg := base
	if e.Workers != nil {
		cfg.Workers = *e.Workers
	}
	if e.JobTimeout != nil {
		cfg.JobTimeout = *e.JobTimeout
	}
	if e.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = *e.ShutdownTimeout
	}
	if e.DrainInterval != nil {
		cfg.DrainInterval = *e.DrainInterval
	}
	if e.DrainBatch != nil {
		cfg.DrainBatch = *e.DrainBatch
	}
	return cfg, nil
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NewSlogLogger adapts a *slog.Logger to the Logger interface.
func NewSlogLogger(l *slog.Logger) Logger {
	return slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s slogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

// TxAppender is satisfied by stores that can append events inside a
// caller transaction. The runner uses it to commit a history append
// and the companion job insert atomically; without it the two writes
// happen back to back.
type TxAppender interface {
	AppendBatchTx(ctx context.Context, tx pgx.Tx, events []*runbook.Event) error
}
