package runbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lirancohen/mechane/telemetry"
)

// StepContext is what a verb implementation receives: the owning plan
// and the step to run, with every symbolic argument already
// materialized from earlier step outputs.
type StepContext struct {
	Runbook *Runbook
	Step    Step
}

// Park instructs the executor to suspend the runbook at this step.
// ResumeAt is set only for timer parks and tells the runtime when the
// step is due to complete on its own.
type Park struct {
	Reason         ParkReason
	CorrelationKey string
	ExpectedSignal string
	ResumeAt       time.Time
}

// StepOutcome is the result of executing one step. A nil Park means
// the step completed; Output, if set, becomes the step's produced
// binding value.
type StepOutcome struct {
	Output json.RawMessage
	Park   *Park
}

// VerbExecutor executes one primitive verb call. Returning an error
// fails the owning runbook; there are no automatic step retries here.
// If a verb wants retries, its implementation owns them.
type VerbExecutor interface {
	Execute(ctx context.Context, sc StepContext) (StepOutcome, error)
}

// VerbFunc adapts a plain function to the VerbExecutor interface.
type VerbFunc func(ctx context.Context, sc StepContext) (StepOutcome, error)

func (f VerbFunc) Execute(ctx context.Context, sc StepContext) (StepOutcome, error) {
	return f(ctx, sc)
}

// TokenReader reports signal tokens that already resolved, keyed by
// correlation key. The executor consults it on re-entry into a parked
// runbook: a signal can settle the token in the window between its
// creation and the park event committing, leaving no open park for the
// resolver to complete.
type TokenReader interface {
	// ResolvedResult returns the result payload of a resolved token.
	// The boolean is false when the token is missing or still waiting.
	ResolvedResult(ctx context.Context, correlationKey string) (json.RawMessage, bool, error)
}

// ExecRegistry maps fully-qualified verb names to their
// implementations. A fallback, if set, serves any verb without a
// dedicated implementation; the dispatcher for orchestrated verbs is
// registered that way.
type ExecRegistry struct {
	mu       sync.RWMutex
	impls    map[string]VerbExecutor
	fallback VerbExecutor
}

// NewExecRegistry creates an empty implementation registry.
func NewExecRegistry() *ExecRegistry {
	return &ExecRegistry{impls: make(map[string]VerbExecutor)}
}

// Register binds an implementation to a verb name, replacing any
// previous binding.
func (r *ExecRegistry) Register(fqn string, impl VerbExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[fqn] = impl
}

// SetFallback installs the implementation used for verbs without a
// dedicated one.
func (r *ExecRegistry) SetFallback(impl VerbExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = impl
}

// Resolve returns the implementation for a verb, or false when neither
// a dedicated implementation nor a fallback exists.
func (r *ExecRegistry) Resolve(fqn string) (VerbExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if impl, ok := r.impls[fqn]; ok {
		return impl, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// ExecutionOutcome is the result of one execution pass over a runbook.
// Parks carries the outstanding parks when Status is Parked, so the
// runtime can schedule wake-ups for timer parks.
type ExecutionOutcome struct {
	RunbookID uuid.UUID
	Status    Status
	Reasons   []ParkReason
	Parks     []ParkRecord
	Cause     string
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Store provides plans, history, and write-set locks.
	// Required.
	Store Store

	// Registry resolves verb implementations.
	// Required.
	Registry *ExecRegistry

	// Tokens reports tokens that resolved before their park committed,
	// so a re-entry pass can complete the cursor step from the token's
	// result. Optional.
	Tokens TokenReader

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *ExecutorConfig) Validate() error {
	if c.Store == nil {
		return errors.New("runbook: Store is required")
	}
	if c.Registry == nil {
		return errors.New("runbook: Registry is required")
	}
	return nil
}

// Executor walks compiled plans step by step. Progress lives entirely
// in the event history: every pass replays the history, continues the
// loop at the cursor, and appends what happened. Safe for concurrent
// use; two passes over the same runbook race on the event sequence and
// the loser gets ErrSequenceConflict.
type Executor struct {
	store    Store
	registry *ExecRegistry
	tokens   TokenReader
	logger   Logger
}

// NewExecutor creates an Executor from the given configuration.
func NewExecutor(config ExecutorConfig) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{
		store:    config.Store,
		registry: config.Registry,
		tokens:   config.Tokens,
		logger:   logger,
	}, nil
}

// Execute runs a stored runbook from its current cursor until it
// completes, fails, or parks. Calling it on a terminal runbook is an
// idempotent no-op returning the terminal outcome. A step failure
// fails only this runbook; infrastructure errors (store, locks) are
// returned as errors so the caller can retry the whole pass.
func (x *Executor) Execute(ctx context.Context, runbookID uuid.UUID) (out ExecutionOutcome, err error) {
	ctx, span := tracer.Start(ctx, "mechane.execute", trace.WithAttributes(
		attribute.String("mechane.runbook_id", runbookID.String()),
	))
	defer func() {
		span.SetAttributes(attribute.String("mechane.status", string(out.Status)))
		telemetry.End(span, err)
	}()

	rb, err := x.store.Get(ctx, runbookID)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	events, err := x.store.Load(ctx, rb.ID)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	progress, err := Replay(rb, events)
	if err != nil {
		return ExecutionOutcome{}, fmt.Errorf("replay history: %w", err)
	}

	if progress.Status.IsTerminal() {
		// Locks may still be held if a previous pass crashed between
		// the terminal append and the release.
		if err := x.store.ReleaseWriteSet(ctx, rb.ID); err != nil {
			return ExecutionOutcome{}, err
		}
		return outcomeFrom(progress), nil
	}

	if progress.Status == StatusParked {
		if park, open := progress.parks[progress.Cursor]; open {
			result, resolved, err := x.settledPark(ctx, park)
			if err != nil {
				return ExecutionOutcome{}, err
			}
			if !resolved {
				// Nothing resolved yet; stay parked.
				return outcomeFrom(progress), nil
			}
			// The token settled while the park was still committing, so
			// no resolver saw an open park to complete. Complete the
			// step from the token's result and continue.
			seq := progress.LastSequence
			ev, err := stepEvent(rb.ID, &seq, EventStepCompleted, park.StepIndex, StepCompletedData{
				Verb:   rb.Steps[park.StepIndex].Verb,
				Output: result,
			})
			if err != nil {
				return ExecutionOutcome{}, err
			}
			if err := x.store.Append(ctx, ev); err != nil {
				return ExecutionOutcome{}, err
			}
			x.logger.Info("parked step completed from resolved token",
				"runbook_id", rb.ID, "step", park.StepIndex, "correlation_key", park.CorrelationKey)
			events, err = x.store.Load(ctx, rb.ID)
			if err != nil {
				return ExecutionOutcome{}, err
			}
			if progress, err = Replay(rb, events); err != nil {
				return ExecutionOutcome{}, fmt.Errorf("replay history: %w", err)
			}
		}
	}

	if err := x.store.AcquireWriteSet(ctx, rb.ID, rb.WriteSet.Entities); err != nil {
		return ExecutionOutcome{}, err
	}

	seq := progress.LastSequence
	if progress.Status != StatusExecuting {
		ev, err := statusEvent(rb.ID, &seq, progress.Status, StatusExecuting, "")
		if err != nil {
			return ExecutionOutcome{}, err
		}
		if err := x.store.Append(ctx, ev); err != nil {
			return ExecutionOutcome{}, err
		}
		x.logger.Debug("runbook executing", "runbook_id", rb.ID, "cursor", progress.Cursor)
	}

	bindings := progress.Bindings
	producers := Producers(rb.Steps)
	skipped := make(map[int]bool)
	for _, rec := range progress.Steps() {
		if rec.State == StepSkipped {
			skipped[rec.Index] = true
		}
	}

	for i := progress.Cursor; i < len(rb.Steps); i++ {
		step := rb.Steps[i]

		if cause, skip := skipCause(step, producers, skipped); skip {
			ev, err := stepEvent(rb.ID, &seq, EventStepSkipped, i, StepSkippedData{Verb: step.Verb, Cause: cause})
			if err != nil {
				return ExecutionOutcome{}, err
			}
			if err := x.store.Append(ctx, ev); err != nil {
				return ExecutionOutcome{}, err
			}
			skipped[i] = true
			x.logger.Debug("step skipped", "runbook_id", rb.ID, "step", i, "verb", step.Verb, "cause", cause)
			continue
		}

		materialized, err := materializeStep(step, bindings)
		if err != nil {
			return x.fail(ctx, rb, &seq, i, step.Verb, err.Error())
		}

		impl, ok := x.registry.Resolve(step.Verb)
		if !ok {
			return x.fail(ctx, rb, &seq, i, step.Verb, fmt.Sprintf("no executor registered for verb %s", step.Verb))
		}

		outcome, execErr := impl.Execute(ctx, StepContext{Runbook: rb, Step: materialized})
		if execErr != nil {
			return x.fail(ctx, rb, &seq, i, step.Verb, execErr.Error())
		}

		if outcome.Park != nil {
			parked, err := stepEvent(rb.ID, &seq, EventStepParked, i, StepParkedData{
				Verb:           step.Verb,
				Reason:         outcome.Park.Reason,
				CorrelationKey: outcome.Park.CorrelationKey,
				ExpectedSignal: outcome.Park.ExpectedSignal,
				ResumeAt:       outcome.Park.ResumeAt,
			})
			if err != nil {
				return ExecutionOutcome{}, err
			}
			status, err := statusEvent(rb.ID, &seq, StatusExecuting, StatusParked, "")
			if err != nil {
				return ExecutionOutcome{}, err
			}
			// Write-set locks stay held across the park.
			if err := x.store.AppendBatch(ctx, []*Event{parked, status}); err != nil {
				return ExecutionOutcome{}, err
			}
			x.logger.Info("runbook parked",
				"runbook_id", rb.ID, "step", i, "verb", step.Verb,
				"reason", outcome.Park.Reason, "correlation_key", outcome.Park.CorrelationKey)
			return ExecutionOutcome{
				RunbookID: rb.ID,
				Status:    StatusParked,
				Reasons:   []ParkReason{outcome.Park.Reason},
				Parks: []ParkRecord{{
					StepIndex:      i,
					Reason:         outcome.Park.Reason,
					CorrelationKey: outcome.Park.CorrelationKey,
					ExpectedSignal: outcome.Park.ExpectedSignal,
					ResumeAt:       outcome.Park.ResumeAt,
				}},
			}, nil
		}

		ev, err := stepEvent(rb.ID, &seq, EventStepCompleted, i, StepCompletedData{Verb: step.Verb, Output: outcome.Output})
		if err != nil {
			return ExecutionOutcome{}, err
		}
		if err := x.store.Append(ctx, ev); err != nil {
			return ExecutionOutcome{}, err
		}
		if step.Produces != "" && outcome.Output != nil {
			bindings[step.Produces] = outcome.Output
		}
	}

	done, err := statusEvent(rb.ID, &seq, StatusExecuting, StatusCompleted, "")
	if err != nil {
		return ExecutionOutcome{}, err
	}
	if err := x.store.Append(ctx, done); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := x.store.ReleaseWriteSet(ctx, rb.ID); err != nil {
		return ExecutionOutcome{}, err
	}
	x.logger.Info("runbook completed", "runbook_id", rb.ID, "steps", len(rb.Steps))
	return ExecutionOutcome{RunbookID: rb.ID, Status: StatusCompleted}, nil
}

// Cancel bulk-terminates a runbook: it records the cancellation, marks
// the runbook failed, and releases its write-set locks. Resolving the
// runbook's parked tokens is the caller's job, since token storage
// lives outside this package; tokensResolved is recorded for the
// audit trail. Cancelling a terminal runbook is a no-op.
func (x *Executor) Cancel(ctx context.Context, runbookID uuid.UUID, cause string, tokensResolved int) error {
	rb, err := x.store.Get(ctx, runbookID)
	if err != nil {
		return err
	}
	events, err := x.store.Load(ctx, rb.ID)
	if err != nil {
		return err
	}
	progress, err := Replay(rb, events)
	if err != nil {
		return fmt.Errorf("replay history: %w", err)
	}
	if progress.Status.IsTerminal() {
		return nil
	}

	seq := progress.LastSequence
	cancelled, err := NewEvent(rb.ID, seq+1, EventCancelled, -1, CancelledData{Cause: cause, TokensResolved: tokensResolved})
	if err != nil {
		return err
	}
	status, err := NewEvent(rb.ID, seq+2, EventStatusChanged, -1, StatusChangedData{
		From:  progress.Status,
		To:    StatusFailed,
		Cause: fmt.Sprintf("cancelled: %s", cause),
	})
	if err != nil {
		return err
	}
	if err := x.store.AppendBatch(ctx, []*Event{cancelled, status}); err != nil {
		return err
	}
	if err := x.store.ReleaseWriteSet(ctx, rb.ID); err != nil {
		return err
	}
	x.logger.Info("runbook cancelled", "runbook_id", rb.ID, "cause", cause, "tokens_resolved", tokensResolved)
	return nil
}

// settledPark checks whether the cursor park's token already resolved.
// Timer parks and parks without a correlation key have no token.
func (x *Executor) settledPark(ctx context.Context, park ParkRecord) (json.RawMessage, bool, error) {
	if x.tokens == nil || park.Reason == ParkTimer || park.CorrelationKey == "" {
		return nil, false, nil
	}
	return x.tokens.ResolvedResult(ctx, park.CorrelationKey)
}

// fail records a step failure and the resulting terminal transition.
func (x *Executor) fail(ctx context.Context, rb *Runbook, seq *int64, stepIndex int, verbFQN, cause string) (ExecutionOutcome, error) {
	failed, err := stepEvent(rb.ID, seq, EventStepFailed, stepIndex, StepFailedData{Verb: verbFQN, Error: cause})
	if err != nil {
		return ExecutionOutcome{}, err
	}
	status, err := statusEvent(rb.ID, seq, StatusExecuting, StatusFailed, cause)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	if err := x.store.AppendBatch(ctx, []*Event{failed, status}); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := x.store.ReleaseWriteSet(ctx, rb.ID); err != nil {
		return ExecutionOutcome{}, err
	}
	x.logger.Error("runbook failed", "runbook_id", rb.ID, "step", stepIndex, "verb", verbFQN, "cause", cause)
	return ExecutionOutcome{RunbookID: rb.ID, Status: StatusFailed, Cause: cause}, nil
}

// skipCause reports whether a step must be skipped because a binding it
// uses was produced by a skipped step.
func skipCause(step Step, producers map[string]int, skipped map[int]bool) (string, bool) {
	for _, use := range step.Uses {
		if idx, ok := producers[use]; ok && skipped[idx] {
			return fmt.Sprintf("depends on <%s> from skipped step %d", use, idx+1), true
		}
	}
	return "", false
}

// materializeStep substitutes symbolic references with the outputs of
// earlier steps. A missing value for a completed producer is an
// invariant violation, not a verb failure.
func materializeStep(step Step, bindings map[string]json.RawMessage) (Step, error) {
	if len(step.Uses) == 0 {
		return step, nil
	}
	out := step
	out.Args = make(map[string]json.RawMessage, len(step.Args))
	for k, v := range step.Args {
		ref, ok := BindingRef(v)
		if !ok {
			out.Args[k] = v
			continue
		}
		val, ok := bindings[ref]
		if !ok {
			return Step{}, fmt.Errorf("binding <%s> has no value", ref)
		}
		out.Args[k] = val
	}
	return out, nil
}

func stepEvent(runbookID uuid.UUID, seq *int64, typ EventType, stepIndex int, data any) (*Event, error) {
	*seq++
	return NewEvent(runbookID, *seq, typ, stepIndex, data)
}

func statusEvent(runbookID uuid.UUID, seq *int64, from, to Status, cause string) (*Event, error) {
	*seq++
	return NewEvent(runbookID, *seq, EventStatusChanged, -1, StatusChangedData{From: from, To: to, Cause: cause})
}

func outcomeFrom(p *Progress) ExecutionOutcome {
	out := ExecutionOutcome{RunbookID: p.RunbookID, Status: p.Status, Cause: p.Cause}
	if p.Status == StatusParked {
		out.Reasons = p.ParkReasons()
		out.Parks = p.OpenParks()
	}
	return out
}
