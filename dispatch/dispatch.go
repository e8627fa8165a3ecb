// Package dispatch delivers orchestrated verb steps to the external
// process backend through a durable, idempotent outbox, and tracks the
// parked tokens those steps wait on. The outbox makes delivery
// at-least-once: enqueueing is idempotent by payload hash, a background
// drain redelivers while the backend is unreachable, and rows that run
// out of attempts are dead-lettered for operator attention, never
// silently dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/mechane/runbook"
	"github.com/lirancohen/mechane/telemetry"
	"github.com/lirancohen/mechane/verb"
)

// tracer is this package's instrumentation scope. Spans are no-ops
// until telemetry.Setup registers a global provider.
var tracer = otel.Tracer("github.com/lirancohen/mechane/dispatch")

// Logger defines the logging interface for the dispatcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// ErrBackendUnavailable marks transient backend unreachability. The
// dispatch stays queued and the drain worker retries it; any other
// backend error is treated as a rejection and dead-letters the row.
var ErrBackendUnavailable = errors.New("process backend unavailable")

// DefaultDrainConcurrency bounds concurrent deliveries inside one
// Drain pass.
const DefaultDrainConcurrency = 4

// Request is one dispatch to the external process backend.
type Request struct {
	Verb           string
	ProcessKey     string
	CorrelationKey string
	Payload        []byte
}

// Ack is the backend's acceptance of a dispatch.
type Ack struct {
	ProcessInstanceID string
}

// Backend starts long-running business processes. Implementations must
// deduplicate by correlation key: delivery is at-least-once.
type Backend interface {
	Dispatch(ctx context.Context, req Request) (Ack, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Registry resolves verb routing and process keys.
	// Required.
	Registry *verb.Registry

	// Dispatches is the outbox store.
	// Required.
	Dispatches DispatchStore

	// Tokens is the parked token store.
	// Required.
	Tokens TokenStore

	// Backend is the external process backend.
	// Required.
	Backend Backend

	// Backoff bounds redelivery. The zero value uses DefaultBackoff.
	Backoff Backoff

	// DrainConcurrency bounds concurrent deliveries inside one Drain
	// pass. If zero, DefaultDrainConcurrency is used.
	DrainConcurrency int

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return errors.New("dispatch: Registry is required")
	}
	if c.Dispatches == nil {
		return errors.New("dispatch: Dispatches is required")
	}
	if c.Tokens == nil {
		return errors.New("dispatch: Tokens is required")
	}
	if c.Backend == nil {
		return errors.New("dispatch: Backend is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DrainConcurrency <= 0 {
		cfg.DrainConcurrency = DefaultDrainConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// Dispatcher hands orchestrated verb steps to the process backend. It
// implements runbook.VerbExecutor and is wired as the execution
// registry's fallback, so every verb without an in-process
// implementation routes here. Safe for concurrent use.
type Dispatcher struct {
	registry    *verb.Registry
	dispatches  DispatchStore
	tokens      TokenStore
	backend     Backend
	backoff     Backoff
	concurrency int
	logger      Logger
}

// NewDispatcher creates a Dispatcher from the given configuration.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Dispatcher{
		registry:    cfg.Registry,
		dispatches:  cfg.Dispatches,
		tokens:      cfg.Tokens,
		backend:     cfg.Backend,
		backoff:     cfg.Backoff,
		concurrency: cfg.DrainConcurrency,
		logger:      cfg.Logger,
	}, nil
}

// Execute implements runbook.VerbExecutor for orchestrated verbs: it
// enqueues the outbox row, tries one immediate delivery, records the
// parked token, and parks the step. The park reason reports whether the
// step now waits on the backend's completion signal or on the dispatch
// itself still reaching the backend.
func (d *Dispatcher) Execute(ctx context.Context, sc runbook.StepContext) (_ runbook.StepOutcome, err error) {
	ctx, span := tracer.Start(ctx, "mechane.dispatch", trace.WithAttributes(
		attribute.String("mechane.runbook_id", sc.Runbook.ID.String()),
		attribute.Int("mechane.step_index", sc.Step.Index),
		attribute.String("mechane.verb", sc.Step.Verb),
	))
	defer func() { telemetry.End(span, err) }()

	spec, err := d.registry.Verb(sc.Step.Verb)
	if err != nil {
		return runbook.StepOutcome{}, err
	}
	if spec.Routing != verb.RouteOrchestrated {
		return runbook.StepOutcome{}, fmt.Errorf("verb %s has no direct implementation and is not orchestrated", sc.Step.Verb)
	}

	payload, err := canonicalPayload(sc.Runbook, sc.Step, spec.ProcessKey)
	if err != nil {
		return runbook.StepOutcome{}, err
	}
	key := runbook.CorrelationKey(sc.Runbook.ID, sc.Step.Index, spec.ProcessKey)

	now := time.Now().UTC()
	row, err := d.dispatches.Enqueue(ctx, &PendingDispatch{
		ID:             uuid.New(),
		RunbookID:      sc.Runbook.ID,
		StepIndex:      sc.Step.Index,
		Verb:           sc.Step.Verb,
		ProcessKey:     spec.ProcessKey,
		CorrelationKey: key,
		Payload:        payload,
		PayloadHash:    payloadHash(payload),
		Status:         DispatchPending,
		CreatedAt:      now,
	})
	if err != nil {
		return runbook.StepOutcome{}, fmt.Errorf("enqueue dispatch for %s: %w", sc.Step.Verb, err)
	}

	token := &ParkedToken{
		ID:             uuid.New(),
		RunbookID:      sc.Runbook.ID,
		StepIndex:      sc.Step.Index,
		CorrelationKey: key,
		Reason:         runbook.ParkExternalDispatch,
		ExpectedSignal: spec.ProcessKey + ".completed",
		Status:         TokenWaiting,
		CreatedAt:      now,
	}

	reason := runbook.ParkExternalDispatch
	ack, dispatchErr := d.backend.Dispatch(ctx, Request{
		Verb:           sc.Step.Verb,
		ProcessKey:     spec.ProcessKey,
		CorrelationKey: key,
		Payload:        payload,
	})
	switch {
	case dispatchErr == nil:
		if err := d.dispatches.MarkDispatched(ctx, row.ID); err != nil {
			return runbook.StepOutcome{}, err
		}
		reason = runbook.ParkMessage
		token.Reason = runbook.ParkMessage
		token.ProcessInstanceID = ack.ProcessInstanceID
		d.logger.Info("step dispatched",
			"runbook_id", sc.Runbook.ID, "step", sc.Step.Index, "verb", sc.Step.Verb,
			"process_key", spec.ProcessKey, "process_instance_id", ack.ProcessInstanceID)

	case errors.Is(dispatchErr, ErrBackendUnavailable):
		if err := d.recordFailure(ctx, row, dispatchErr, now); err != nil {
			return runbook.StepOutcome{}, err
		}
		d.logger.Info("backend unavailable, dispatch queued",
			"runbook_id", sc.Runbook.ID, "step", sc.Step.Index, "verb", sc.Step.Verb,
			"attempts", row.Attempts+1)

	default:
		// A rejection dead-letters the row and fails the step.
		if err := d.dispatches.MarkFailedPermanent(ctx, row.ID, row.Attempts+1, dispatchErr.Error()); err != nil {
			return runbook.StepOutcome{}, err
		}
		return runbook.StepOutcome{}, fmt.Errorf("dispatch %s: %w", sc.Step.Verb, dispatchErr)
	}

	if _, err := d.tokens.Create(ctx, token); err != nil {
		return runbook.StepOutcome{}, fmt.Errorf("create parked token %s: %w", key, err)
	}
	if reason == runbook.ParkMessage {
		// Create is idempotent, so a retried pass may get back a token
		// recorded while the backend was down. Binding the process
		// reclassifies it now that the dispatch is acknowledged.
		if err := d.tokens.BindProcess(ctx, key, token.ProcessInstanceID); err != nil {
			return runbook.StepOutcome{}, err
		}
	}

	span.SetAttributes(attribute.String("mechane.park_reason", string(reason)))
	return runbook.StepOutcome{Park: &runbook.Park{
		Reason:         reason,
		CorrelationKey: key,
		ExpectedSignal: token.ExpectedSignal,
	}}, nil
}

// DrainStats summarizes one drain pass over the outbox.
type DrainStats struct {
	Claimed      int
	Dispatched   int
	Requeued     int
	DeadLettered int
}

// Drain claims due pending rows and redelivers them concurrently,
// bounded by DrainConcurrency. Rows whose attempts run out are
// dead-lettered; the owning runbooks stay parked until an operator
// intervenes. Returns after one pass so the caller controls pacing.
func (d *Dispatcher) Drain(ctx context.Context, limit int) (stats DrainStats, err error) {
	ctx, span := tracer.Start(ctx, "mechane.drain")
	defer func() {
		span.SetAttributes(
			attribute.Int("mechane.claimed", stats.Claimed),
			attribute.Int("mechane.dispatched", stats.Dispatched),
			attribute.Int("mechane.requeued", stats.Requeued),
			attribute.Int("mechane.dead_lettered", stats.DeadLettered),
		)
		telemetry.End(span, err)
	}()

	now := time.Now().UTC()
	rows, err := d.dispatches.Claim(ctx, limit, now)
	if err != nil {
		return DrainStats{}, fmt.Errorf("claim pending dispatches: %w", err)
	}

	var mu sync.Mutex
	stats = DrainStats{Claimed: len(rows)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			ack, dispatchErr := d.backend.Dispatch(gctx, Request{
				Verb:           row.Verb,
				ProcessKey:     row.ProcessKey,
				CorrelationKey: row.CorrelationKey,
				Payload:        row.Payload,
			})
			if dispatchErr == nil {
				if err := d.dispatches.MarkDispatched(gctx, row.ID); err != nil {
					return err
				}
				if err := d.tokens.BindProcess(gctx, row.CorrelationKey, ack.ProcessInstanceID); err != nil {
					return err
				}
				mu.Lock()
				stats.Dispatched++
				mu.Unlock()
				d.logger.Info("queued dispatch delivered",
					"runbook_id", row.RunbookID, "verb", row.Verb, "attempts", row.Attempts+1)
				return nil
			}

			attempts := row.Attempts + 1
			if d.backoff.Exhausted(attempts) || !errors.Is(dispatchErr, ErrBackendUnavailable) {
				if err := d.dispatches.MarkFailedPermanent(gctx, row.ID, attempts, dispatchErr.Error()); err != nil {
					return err
				}
				mu.Lock()
				stats.DeadLettered++
				mu.Unlock()
				d.logger.Error("dispatch dead-lettered",
					"runbook_id", row.RunbookID, "verb", row.Verb,
					"attempts", attempts, "error", dispatchErr.Error())
				return nil
			}

			if err := d.recordFailure(gctx, row, dispatchErr, now); err != nil {
				return err
			}
			mu.Lock()
			stats.Requeued++
			mu.Unlock()
			d.logger.Debug("dispatch requeued",
				"runbook_id", row.RunbookID, "verb", row.Verb, "attempts", attempts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// recordFailure books one failed attempt, dead-lettering the row when
// the backoff is exhausted.
func (d *Dispatcher) recordFailure(ctx context.Context, row *PendingDispatch, cause error, now time.Time) error {
	attempts := row.Attempts + 1
	if d.backoff.Exhausted(attempts) {
		return d.dispatches.MarkFailedPermanent(ctx, row.ID, attempts, cause.Error())
	}
	return d.dispatches.MarkRetry(ctx, row.ID, attempts, cause.Error(), now.Add(d.backoff.Delay(attempts)))
}

// Resolve settles the token for a correlation key with the signal's
// result payload. The boolean reports whether this call performed the
// resolution; duplicate and late signals return false.
func (d *Dispatcher) Resolve(ctx context.Context, correlationKey string, result []byte) (*ParkedToken, bool, error) {
	return d.tokens.Resolve(ctx, correlationKey, result)
}

// Token returns the parked token for a correlation key.
func (d *Dispatcher) Token(ctx context.Context, correlationKey string) (*ParkedToken, error) {
	return d.tokens.Get(ctx, correlationKey)
}

// ResolvedResult reports the result of an already-resolved token,
// implementing runbook.TokenReader for the executor's re-entry check
// on parked runbooks. A missing or still-waiting token reads as
// unresolved.
func (d *Dispatcher) ResolvedResult(ctx context.Context, correlationKey string) (json.RawMessage, bool, error) {
	tok, err := d.tokens.Get(ctx, correlationKey)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if tok.Status != TokenResolved {
		return nil, false, nil
	}
	return tok.Result, true, nil
}

// EnsureToken records a waiting token for a park created outside the
// dispatcher, such as a human-task park returned by an in-process
// verb. Idempotent by correlation key, so repeated execution passes
// over the same park are safe.
func (d *Dispatcher) EnsureToken(ctx context.Context, runbookID uuid.UUID, park runbook.ParkRecord) (*ParkedToken, error) {
	return d.tokens.Create(ctx, &ParkedToken{
		ID:             uuid.New(),
		RunbookID:      runbookID,
		StepIndex:      park.StepIndex,
		CorrelationKey: park.CorrelationKey,
		Reason:         park.Reason,
		ExpectedSignal: park.ExpectedSignal,
		Status:         TokenWaiting,
		CreatedAt:      time.Now().UTC(),
	})
}

// CancelTokens settles every waiting token of a runbook as cancelled
// and returns how many were outstanding. Part of runbook cancellation;
// it never undoes already-dispatched external work.
func (d *Dispatcher) CancelTokens(ctx context.Context, runbookID uuid.UUID) (int, error) {
	n, err := d.tokens.CancelForRunbook(ctx, runbookID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("parked tokens cancelled", "runbook_id", runbookID, "tokens", n)
	}
	return n, nil
}
