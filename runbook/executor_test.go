package runbook_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/runbook"
	"github.com/lirancohen/mechane/runbook/memory"
)

const cbuID = `"4444aaaa-bbbb-cccc-dddd-eeeeffff0000"`

// compileOnboard compiles the two-step onboarding macro into store and
// returns the stored plan.
func compileOnboard(t *testing.T, store runbook.Store) *runbook.Runbook {
	t.Helper()
	resp, err := newCompiler(t, store, nil, nil).CompileInvocation(context.Background(),
		runbook.Invocation{Name: "cbu.onboard", Args: argsOf("name", `"Acme Corp"`)},
		runbook.Session{ID: "sess-1"},
	)
	if err != nil {
		t.Fatalf("CompileInvocation failed: %v", err)
	}
	compiled, ok := resp.(*runbook.Compiled)
	if !ok {
		t.Fatalf("expected *Compiled, got %T", resp)
	}
	rb, err := store.Get(context.Background(), compiled.RunbookID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return rb
}

func newExecutor(t *testing.T, store runbook.Store, reg *runbook.ExecRegistry) *runbook.Executor {
	t.Helper()
	x, err := runbook.NewExecutor(runbook.ExecutorConfig{Store: store, Registry: reg})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return x
}

func completes(output string) runbook.VerbFunc {
	return func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		if output == "" {
			return runbook.StepOutcome{}, nil
		}
		return runbook.StepOutcome{Output: json.RawMessage(output)}, nil
	}
}

func eventTypes(t *testing.T, store runbook.Store, id uuid.UUID) []runbook.EventType {
	t.Helper()
	events, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	types := make([]runbook.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestExecuteCompletes(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	var attachGot json.RawMessage
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		attachGot = sc.Step.Args["cbu_id"]
		return runbook.StepOutcome{}, nil
	}))

	outcome, err := newExecutor(t, store, reg).Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Cause)
	}
	if string(attachGot) != cbuID {
		t.Errorf("session.attach should receive the materialized cbu_id, got %s", attachGot)
	}

	want := []runbook.EventType{
		runbook.EventStored,
		runbook.EventStatusChanged,
		runbook.EventStepCompleted,
		runbook.EventStepCompleted,
		runbook.EventStatusChanged,
	}
	got := eventTypes(t, store, rb.ID)
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestExecuteParksWithoutReinvoking(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	createCalls, attachCalls := 0, 0
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		createCalls++
		return runbook.StepOutcome{Output: json.RawMessage(cbuID)}, nil
	}))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		attachCalls++
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkHumanTask,
			CorrelationKey: runbook.CorrelationKey(sc.Runbook.ID, sc.Step.Index, "approval"),
			ExpectedSignal: "approval.granted",
		}}, nil
	}))

	x := newExecutor(t, store, reg)
	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusParked {
		t.Fatalf("expected parked, got %s", outcome.Status)
	}
	if len(outcome.Reasons) != 1 || outcome.Reasons[0] != runbook.ParkHumanTask {
		t.Errorf("expected park reason %s, got %v", runbook.ParkHumanTask, outcome.Reasons)
	}
	if len(outcome.Parks) != 1 || outcome.Parks[0].StepIndex != 1 || outcome.Parks[0].CorrelationKey == "" {
		t.Errorf("expected the open park surfaced on the outcome, got %+v", outcome.Parks)
	}

	// A second pass over a still-parked runbook replays history and
	// returns; it must not run any verb again.
	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusParked {
		t.Errorf("expected parked, got %s", outcome.Status)
	}
	if len(outcome.Parks) != 1 || outcome.Parks[0].StepIndex != 1 {
		t.Errorf("replayed outcome must surface the open park, got %+v", outcome.Parks)
	}
	if createCalls != 1 || attachCalls != 1 {
		t.Errorf("verbs must run once, got create=%d attach=%d", createCalls, attachCalls)
	}
}

func TestExecuteTimerParkSurfacesResumeAt(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	resumeAt := time.Now().UTC().Add(90 * time.Second).Truncate(time.Second)
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:   runbook.ParkTimer,
			ResumeAt: resumeAt,
		}}, nil
	}))

	x := newExecutor(t, store, reg)
	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(outcome.Parks) != 1 {
		t.Fatalf("expected one park, got %+v", outcome.Parks)
	}
	park := outcome.Parks[0]
	if park.Reason != runbook.ParkTimer || !park.ResumeAt.Equal(resumeAt) {
		t.Errorf("expected timer park resuming at %s, got %+v", resumeAt, park)
	}

	// A later pass rebuilds the park from history, resume time included.
	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if len(outcome.Parks) != 1 || !outcome.Parks[0].ResumeAt.Equal(resumeAt) {
		t.Errorf("replayed park lost its resume time: %+v", outcome.Parks)
	}
}

func TestExecuteResumesAfterSignal(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	createCalls := 0
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		createCalls++
		return runbook.StepOutcome{Output: json.RawMessage(cbuID)}, nil
	}))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkMessage,
			CorrelationKey: runbook.CorrelationKey(sc.Runbook.ID, sc.Step.Index, "attach"),
		}}, nil
	}))

	x := newExecutor(t, store, reg)
	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil || outcome.Status != runbook.StatusParked {
		t.Fatalf("expected parked, got %s, err %v", outcome.Status, err)
	}

	// The signal path records the awaited result as a completed step,
	// then triggers another pass.
	last, err := store.LastSequence(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("LastSequence failed: %v", err)
	}
	completed, err := runbook.NewEvent(rb.ID, last+1, runbook.EventStepCompleted, 1,
		runbook.StepCompletedData{Verb: "session.attach", Output: json.RawMessage(`{"attached":true}`)})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := store.Append(context.Background(), completed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("resumed Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", outcome.Status, outcome.Cause)
	}
	if createCalls != 1 {
		t.Errorf("completed steps must not rerun on resume, create ran %d times", createCalls)
	}
}

// tokenResults is a TokenReader backed by a plain map; a present key
// means the token resolved with that result.
type tokenResults map[string]json.RawMessage

func (m tokenResults) ResolvedResult(ctx context.Context, correlationKey string) (json.RawMessage, bool, error) {
	result, ok := m[correlationKey]
	return result, ok, nil
}

func TestExecuteParkedCompletesFromResolvedToken(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	key := runbook.CorrelationKey(rb.ID, 1, "attach")
	attachCalls := 0
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		attachCalls++
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkMessage,
			CorrelationKey: key,
		}}, nil
	}))

	tokens := tokenResults{}
	x, err := runbook.NewExecutor(runbook.ExecutorConfig{Store: store, Registry: reg, Tokens: tokens})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil || outcome.Status != runbook.StatusParked {
		t.Fatalf("expected parked, got %s, err %v", outcome.Status, err)
	}

	// While the token is still waiting, another pass stays parked and
	// runs no verb.
	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusParked || attachCalls != 1 {
		t.Fatalf("expected parked without re-running, got %s with %d attach calls", outcome.Status, attachCalls)
	}

	// A signal can resolve the token before the park event commits, so
	// the resolver finds no open park to complete. Re-entry must pick
	// the result up from the token instead of waiting forever.
	tokens[key] = json.RawMessage(`{"attached":true}`)

	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("resumed Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Cause)
	}
	if attachCalls != 1 {
		t.Errorf("the parked verb must not rerun, ran %d times", attachCalls)
	}

	events, err := store.Load(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	progress, err := runbook.Replay(rb, events)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	rec, ok := progress.Step(1)
	if !ok || rec.State != runbook.StepCompleted {
		t.Fatalf("expected step 2 completed, got %+v", rec)
	}
	if string(rec.Output) != `{"attached":true}` {
		t.Errorf("step should complete with the token's result, got %s", rec.Output)
	}
}

func TestExecuteParkedTimerIgnoresTokens(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkTimer,
			CorrelationKey: "t",
			ResumeAt:       time.Now().UTC().Add(time.Hour),
		}}, nil
	}))

	// Timer parks complete on schedule, never through a token, even
	// when a stray entry shares the correlation key.
	tokens := tokenResults{"t": json.RawMessage(`{}`)}
	x, err := runbook.NewExecutor(runbook.ExecutorConfig{Store: store, Registry: reg, Tokens: tokens})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	if _, err := x.Execute(context.Background(), rb.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusParked {
		t.Errorf("timer park must stay parked, got %s", outcome.Status)
	}
}

func TestExecuteStepFailureFailsRunbook(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	attachCalls := 0
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		attachCalls++
		return runbook.StepOutcome{}, errors.New("session backend rejected the attach")
	}))

	x := newExecutor(t, store, reg)
	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("a step failure is an outcome, not an executor error: %v", err)
	}
	if outcome.Status != runbook.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if !strings.Contains(outcome.Cause, "session backend rejected") {
		t.Errorf("unexpected cause: %q", outcome.Cause)
	}

	// Terminal runbooks are settled; another pass reports the same
	// outcome without touching any verb.
	outcome, err = x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute on failed runbook errored: %v", err)
	}
	if outcome.Status != runbook.StatusFailed || attachCalls != 1 {
		t.Errorf("expected settled failure, got status %s with %d attach calls", outcome.Status, attachCalls)
	}
}

func TestExecuteWriteSetConflict(t *testing.T) {
	store := memory.New()
	c := newCompiler(t, store, nil, nil)
	client := `"9b2f6bd2-43e8-47a5-a4bc-9f6d175cbd12"`

	compileScreen := func(caseName string) uuid.UUID {
		resp, err := c.CompileInvocation(context.Background(),
			runbook.Invocation{Name: "kyc.screen", Args: argsOf("client_id", client, "case", `"`+caseName+`"`)},
			runbook.Session{ID: "sess-1"},
		)
		if err != nil {
			t.Fatalf("CompileInvocation failed: %v", err)
		}
		return resp.(*runbook.Compiled).RunbookID
	}
	first := compileScreen("aml-review")
	second := compileScreen("sanctions-review")
	if first == second {
		t.Fatal("test needs two distinct plans over the same entity")
	}

	reg := runbook.NewExecRegistry()
	reg.Register("kyc.screen", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkExternalDispatch,
			CorrelationKey: runbook.CorrelationKey(sc.Runbook.ID, sc.Step.Index, "screen"),
		}}, nil
	}))

	x := newExecutor(t, store, reg)
	if _, err := x.Execute(context.Background(), first); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	// The parked runbook keeps its write-set locks, so a second plan
	// over the same entity cannot start.
	_, err := x.Execute(context.Background(), second)
	if !errors.Is(err, runbook.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}

	// Cancelling the holder releases the entity for the second plan.
	if err := x.Cancel(context.Background(), first, "operator requested abort", 1); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	outcome, err := x.Execute(context.Background(), second)
	if err != nil {
		t.Fatalf("Execute after release failed: %v", err)
	}
	if outcome.Status != runbook.StatusParked {
		t.Errorf("expected the second plan to start and park, got %s", outcome.Status)
	}
}

func TestCancelParkedRunbook(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{Reason: runbook.ParkTimer, CorrelationKey: "t"}}, nil
	}))

	x := newExecutor(t, store, reg)
	if _, err := x.Execute(context.Background(), rb.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if err := x.Cancel(context.Background(), rb.ID, "operator requested abort", 2); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute after cancel failed: %v", err)
	}
	if outcome.Status != runbook.StatusFailed {
		t.Errorf("cancelled runbook must be failed, got %s", outcome.Status)
	}
	if !strings.Contains(outcome.Cause, "operator requested abort") {
		t.Errorf("cause should carry the cancellation reason, got %q", outcome.Cause)
	}

	// Cancelling again is a no-op.
	before, err := store.LastSequence(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("LastSequence failed: %v", err)
	}
	if err := x.Cancel(context.Background(), rb.ID, "again", 0); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	after, err := store.LastSequence(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("LastSequence failed: %v", err)
	}
	if after != before {
		t.Errorf("cancelling a terminal runbook must append nothing, %d -> %d", before, after)
	}
}

func TestExecuteNoImplementation(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))

	outcome, err := newExecutor(t, store, reg).Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if !strings.Contains(outcome.Cause, "no executor registered") {
		t.Errorf("unexpected cause: %q", outcome.Cause)
	}
}

func TestExecuteFallbackServesUnregisteredVerbs(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	var fallbackSaw []string
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", completes(cbuID))
	reg.SetFallback(runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		fallbackSaw = append(fallbackSaw, sc.Step.Verb)
		return runbook.StepOutcome{}, nil
	}))

	outcome, err := newExecutor(t, store, reg).Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Cause)
	}
	if len(fallbackSaw) != 1 || fallbackSaw[0] != "session.attach" {
		t.Errorf("fallback should serve only session.attach, saw %v", fallbackSaw)
	}
}

func TestExecuteSkipsDependentsOfSkippedStep(t *testing.T) {
	store := memory.New()
	rb := compileOnboard(t, store)

	attachCalls := 0
	reg := runbook.NewExecRegistry()
	reg.Register("cbu.create", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:         runbook.ParkExternalDispatch,
			CorrelationKey: runbook.CorrelationKey(sc.Runbook.ID, 0, "create"),
		}}, nil
	}))
	reg.Register("session.attach", runbook.VerbFunc(func(ctx context.Context, sc runbook.StepContext) (runbook.StepOutcome, error) {
		attachCalls++
		return runbook.StepOutcome{}, nil
	}))

	x := newExecutor(t, store, reg)
	if _, err := x.Execute(context.Background(), rb.ID); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The signal path records a skipped step when the awaited work is
	// withdrawn rather than resolved.
	last, err := store.LastSequence(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("LastSequence failed: %v", err)
	}
	skippedEv, err := runbook.NewEvent(rb.ID, last+1, runbook.EventStepSkipped, 0,
		runbook.StepSkippedData{Verb: "cbu.create", Cause: "dispatch withdrawn"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := store.Append(context.Background(), skippedEv); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	outcome, err := x.Execute(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != runbook.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Cause)
	}
	if attachCalls != 0 {
		t.Errorf("a step depending on a skipped producer must not run, attach ran %d times", attachCalls)
	}

	events, err := store.Load(context.Background(), rb.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	progress, err := runbook.Replay(rb, events)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	rec, ok := progress.Step(1)
	if !ok || rec.State != runbook.StepSkipped {
		t.Errorf("expected step 2 skipped, got %+v", rec)
	}
	if !strings.Contains(rec.Cause, "<cbu_id>") {
		t.Errorf("skip cause should name the missing binding, got %q", rec.Cause)
	}
}

func TestExecuteUnknownRunbook(t *testing.T) {
	x := newExecutor(t, memory.New(), runbook.NewExecRegistry())
	_, err := x.Execute(context.Background(), uuid.New())
	if !errors.Is(err, runbook.ErrRunbookNotFound) {
		t.Fatalf("expected ErrRunbookNotFound, got %v", err)
	}
}
