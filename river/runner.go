// Package river hosts compiled runbooks on a durable PostgreSQL job
// queue. It ties the compiler, executor, and dispatcher together:
// compiling produces a stored plan, enqueueing hands it to a worker,
// parks suspend it with nothing held in memory, and signals or timers
// re-activate it exactly where the event history left off.
package river

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/lirancohen/mechane/dispatch"
	"github.com/lirancohen/mechane/runbook"
)

// Common errors returned by the Runner.
var (
	// ErrRunnerNotStarted indicates an operation was attempted before Start.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")
)

// maxResumeRetries bounds reloads when concurrent resolvers race on
// the event sequence.
const maxResumeRetries = 3

// Runner manages runbook execution on the River job queue.
type Runner interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Runbook operations
	CompileInvocation(ctx context.Context, inv runbook.Invocation, sess runbook.Session) (runbook.Response, error)
	ExecuteRunbook(ctx context.Context, runbookID uuid.UUID) (runbook.ExecutionOutcome, error)
	EnqueueRunbook(ctx context.Context, runbookID uuid.UUID) error
	EnqueueRunbookTx(ctx context.Context, tx pgx.Tx, runbookID uuid.UUID) error
	ResolveSignal(ctx context.Context, correlationKey string, payload json.RawMessage) (bool, error)
	CancelRunbook(ctx context.Context, runbookID uuid.UUID, cause string) error

	// Queries
	Runbook(ctx context.Context, runbookID uuid.UUID) (*runbook.Runbook, error)
	Progress(ctx context.Context, runbookID uuid.UUID) (*runbook.Progress, error)
}

// runner is the concrete implementation of Runner.
type runner struct {
	pool       *pgxpool.Pool
	store      runbook.Store
	compiler   *runbook.Compiler
	executor   *runbook.Executor
	dispatcher *dispatch.Dispatcher
	logger     Logger
	config     Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.RWMutex
}

// NewRunner creates a new Runner with the given configuration.
// Returns an error if required configuration is missing.
func NewRunner(config Config) (*runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &runner{
		pool:       cfg.Pool,
		store:      cfg.Store,
		compiler:   cfg.Compiler,
		executor:   cfg.Executor,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		config:     cfg,
	}, nil
}

// Start initializes the River client and starts workers. In insert-only
// mode (Workers=0) the client is created but no queues are polled, so
// jobs enqueued here are processed by another instance.
// Must be called before any runbook operations.
func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	clientConfig := &river.Config{
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: r.logger},
	}

	if r.config.Workers > 0 {
		workers := river.NewWorkers()
		river.AddWorker(workers, &runbookWorker{runner: r})
		river.AddWorker(workers, &drainWorker{runner: r})
		river.AddWorker(workers, &timerWorker{runner: r})

		clientConfig.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		}
		clientConfig.Workers = workers
		clientConfig.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(r.config.DrainInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return DrainJobArgs{Batch: r.config.DrainBatch}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		}
	}

	client, err := river.NewClient(riverpgxv5.New(r.pool), clientConfig)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	r.client = client

	if r.config.Workers > 0 {
		if err := r.client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
	}

	r.started = true
	r.logger.Info("runner started", "workers", r.config.Workers)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	if r.config.Workers > 0 {
		shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()

		if err := r.client.Stop(shutdownCtx); err != nil {
			r.logger.Warn("river client stop error", "error", err)
		}
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

func (r *runner) requireStarted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started {
		return ErrRunnerNotStarted
	}
	return nil
}

// CompileInvocation compiles an invocation into a stored runbook for
// the session. The response is exactly one of Compiled, Clarification,
// or ConstraintViolation; compilation never executes anything.
func (r *runner) CompileInvocation(ctx context.Context, inv runbook.Invocation, sess runbook.Session) (runbook.Response, error) {
	if err := r.requireStarted(); err != nil {
		return nil, err
	}
	return r.compiler.CompileInvocation(ctx, inv, sess)
}

// ExecuteRunbook runs a stored runbook inline until it completes,
// parks, or fails, then schedules wake-ups for any timer parks and
// records waiting tokens for the rest. A Failed outcome is a domain
// result, not an error.
func (r *runner) ExecuteRunbook(ctx context.Context, runbookID uuid.UUID) (runbook.ExecutionOutcome, error) {
	if err := r.requireStarted(); err != nil {
		return runbook.ExecutionOutcome{}, err
	}

	outcome, err := r.executor.Execute(ctx, runbookID)
	if err != nil {
		return runbook.ExecutionOutcome{}, err
	}
	if err := r.afterExecution(ctx, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// EnqueueRunbook hands a stored runbook to the worker pool.
func (r *runner) EnqueueRunbook(ctx context.Context, runbookID uuid.UUID) error {
	if err := r.requireStarted(); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.EnqueueRunbookTx(ctx, tx, runbookID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnqueueRunbookTx enqueues within an existing transaction, so callers
// can commit a runbook insert and its execution job together.
func (r *runner) EnqueueRunbookTx(ctx context.Context, tx pgx.Tx, runbookID uuid.UUID) error {
	if err := r.requireStarted(); err != nil {
		return err
	}

	rb, err := r.store.Get(ctx, runbookID)
	if err != nil {
		return err
	}

	_, err = r.client.InsertTx(ctx, tx, RunbookJobArgs{
		RunbookID: rb.ID,
		SessionID: rb.SessionID,
	}, nil)
	if err != nil {
		return fmt.Errorf("insert runbook job: %w", err)
	}

	r.logger.Info("runbook enqueued", "runbook_id", rb.ID, "session_id", rb.SessionID)
	return nil
}

// ResolveSignal settles the parked token for a correlation key,
// completes the parked step with the signal's payload, and re-enqueues
// the runbook. The boolean reports whether this call re-activated the
// runbook; duplicate and late signals return false and change nothing
// in the history. The step completion and the resume job commit in one
// transaction when the store supports it.
func (r *runner) ResolveSignal(ctx context.Context, correlationKey string, payload json.RawMessage) (bool, error) {
	if err := r.requireStarted(); err != nil {
		return false, err
	}

	token, err := r.dispatcher.Token(ctx, correlationKey)
	if err != nil {
		return false, err
	}

	closed, err := r.completeParkedStep(ctx, token.RunbookID, token.StepIndex, "", payload)
	if err != nil {
		return false, err
	}

	// Settle the token whichever way the race went, so a crash between
	// the history append and this settle heals on the next signal.
	if _, _, err := r.dispatcher.Resolve(ctx, correlationKey, payload); err != nil {
		return closed, err
	}

	if closed {
		r.logger.Info("signal resolved",
			"correlation_key", correlationKey,
			"runbook_id", token.RunbookID, "step", token.StepIndex)
	} else {
		r.logger.Debug("duplicate signal ignored", "correlation_key", correlationKey)
	}
	return closed, nil
}

// CancelRunbook settles the runbook's waiting tokens as cancelled and
// terminates it, releasing its write-set locks. Cancelling a terminal
// runbook is a no-op. Already-dispatched external work is never undone.
func (r *runner) CancelRunbook(ctx context.Context, runbookID uuid.UUID, cause string) error {
	if err := r.requireStarted(); err != nil {
		return err
	}

	resolved, err := r.dispatcher.CancelTokens(ctx, runbookID)
	if err != nil {
		return fmt.Errorf("cancel parked tokens: %w", err)
	}
	return r.executor.Cancel(ctx, runbookID, cause, resolved)
}

// Runbook loads a stored plan by ID.
func (r *runner) Runbook(ctx context.Context, runbookID uuid.UUID) (*runbook.Runbook, error) {
	return r.store.Get(ctx, runbookID)
}

// Progress replays a runbook's event history into its current cursor.
func (r *runner) Progress(ctx context.Context, runbookID uuid.UUID) (*runbook.Progress, error) {
	rb, err := r.store.Get(ctx, runbookID)
	if err != nil {
		return nil, err
	}
	events, err := r.store.Load(ctx, rb.ID)
	if err != nil {
		return nil, err
	}
	return runbook.Replay(rb, events)
}

// afterExecution schedules a wake-up job for every open timer park and
// makes sure every other park has its waiting token, so signals can
// find it. Uniqueness by args makes the wake-ups and the token creates
// safe to repeat: a crashed pass is healed by the next one.
func (r *runner) afterExecution(ctx context.Context, outcome runbook.ExecutionOutcome) error {
	if outcome.Status != runbook.StatusParked {
		return nil
	}

	for _, park := range outcome.Parks {
		switch {
		case park.Reason == runbook.ParkTimer:
			if park.ResumeAt.IsZero() {
				r.logger.Warn("timer park without resume time",
					"runbook_id", outcome.RunbookID, "step", park.StepIndex)
				continue
			}
			_, err := r.client.Insert(ctx, TimerJobArgs{
				RunbookID: outcome.RunbookID,
				StepIndex: park.StepIndex,
				ResumeAt:  park.ResumeAt,
			}, &river.InsertOpts{ScheduledAt: park.ResumeAt})
			if err != nil {
				return fmt.Errorf("schedule timer wake-up: %w", err)
			}
			r.logger.Debug("timer wake-up scheduled",
				"runbook_id", outcome.RunbookID, "step", park.StepIndex, "resume_at", park.ResumeAt)

		case park.CorrelationKey != "":
			if _, err := r.dispatcher.EnsureToken(ctx, outcome.RunbookID, park); err != nil {
				return fmt.Errorf("ensure parked token: %w", err)
			}
		}
	}
	return nil
}

// completeParkedStep appends the step completion that closes an open
// park and re-enqueues the runbook. Returns false without writing when
// the park is already closed, the runbook is terminal, or the open
// park's reason does not match requireReason (empty matches any).
// Concurrent resolvers race on the event sequence; the loser reloads
// the history and finds the park closed.
func (r *runner) completeParkedStep(ctx context.Context, runbookID uuid.UUID, stepIndex int, requireReason runbook.ParkReason, output json.RawMessage) (bool, error) {
	for attempt := 0; ; attempt++ {
		rb, err := r.store.Get(ctx, runbookID)
		if err != nil {
			return false, err
		}
		events, err := r.store.Load(ctx, rb.ID)
		if err != nil {
			return false, err
		}
		progress, err := runbook.Replay(rb, events)
		if err != nil {
			return false, fmt.Errorf("replay history: %w", err)
		}

		if progress.Status.IsTerminal() {
			return false, nil
		}
		park, open := progress.Park(stepIndex)
		if !open {
			return false, nil
		}
		if requireReason != "" && park.Reason != requireReason {
			return false, nil
		}

		completed, err := runbook.NewEvent(rb.ID, progress.LastSequence+1, runbook.EventStepCompleted, stepIndex,
			runbook.StepCompletedData{Verb: rb.Steps[stepIndex].Verb, Output: output})
		if err != nil {
			return false, err
		}

		err = r.appendAndEnqueue(ctx, rb, completed)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, runbook.ErrSequenceConflict) && attempt < maxResumeRetries {
			r.logger.Debug("resume lost sequence race, reloading",
				"runbook_id", runbookID, "step", stepIndex, "attempt", attempt+1)
			continue
		}
		return false, err
	}
}

// appendAndEnqueue appends events and inserts the runbook's execution
// job, in one transaction when the store can append transactionally.
func (r *runner) appendAndEnqueue(ctx context.Context, rb *runbook.Runbook, events ...*runbook.Event) error {
	job := RunbookJobArgs{RunbookID: rb.ID, SessionID: rb.SessionID}

	if txStore, ok := r.store.(TxAppender); ok {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := txStore.AppendBatchTx(ctx, tx, events); err != nil {
			return err
		}
		if _, err := r.client.InsertTx(ctx, tx, job, nil); err != nil {
			return fmt.Errorf("insert resume job: %w", err)
		}
		return tx.Commit(ctx)
	}

	if err := r.store.AppendBatch(ctx, events); err != nil {
		return err
	}
	if _, err := r.client.Insert(ctx, job, nil); err != nil {
		return fmt.Errorf("insert resume job: %w", err)
	}
	return nil
}

// errorHandler handles River job errors.
type errorHandler struct {
	logger Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
