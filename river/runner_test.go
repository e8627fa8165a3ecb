//go:build integration

package river_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lirancohen/mechane/dispatch"
	dispatchpg "github.com/lirancohen/mechane/dispatch/pgstore"
	"github.com/lirancohen/mechane/policy"
	"github.com/lirancohen/mechane/river"
	"github.com/lirancohen/mechane/runbook"
	runbookpg "github.com/lirancohen/mechane/runbook/pgstore"
	"github.com/lirancohen/mechane/verb"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mechane_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		t.Fatalf("failed to create river migrator: %v", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		t.Fatalf("failed to run river migrations: %v", err)
	}
	if err := runbookpg.New(pool).Setup(ctx); err != nil {
		t.Fatalf("failed to create runbook schema: %v", err)
	}
	if err := dispatchpg.New(pool).Setup(ctx); err != nil {
		t.Fatalf("failed to create dispatch schema: %v", err)
	}

	return pool
}

// fakeBackend is a scriptable process backend. Dispatch succeeds until
// fail is set.
type fakeBackend struct {
	mu         sync.Mutex
	err        error
	dispatched []dispatch.Request
}

func (b *fakeBackend) Dispatch(_ context.Context, req dispatch.Request) (dispatch.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return dispatch.Ack{}, b.err
	}
	b.dispatched = append(b.dispatched, req)
	return dispatch.Ack{ProcessInstanceID: "pi-" + req.CorrelationKey}, nil
}

func (b *fakeBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dispatched)
}

func testRegistry() *verb.Registry {
	reg := verb.NewRegistry()
	reg.RegisterVerb(&verb.Spec{
		FQN:        "client.create",
		EntityKind: "client",
		Args:       []verb.ArgSpec{{Name: "name", Required: true}},
	})
	reg.RegisterVerb(&verb.Spec{
		FQN:        "kyc.screen",
		EntityKind: "kyc_case",
		Args:       []verb.ArgSpec{{Name: "client_id", Required: true}},
		Routing:    verb.RouteOrchestrated,
		ProcessKey: "kyc_screening",
	})
	reg.RegisterVerb(&verb.Spec{FQN: "review.cooldown", EntityKind: "review"})
	reg.RegisterVerb(&verb.Spec{FQN: "review.reject", EntityKind: "review"})
	return reg
}

func testExecRegistry(dispatcher *dispatch.Dispatcher) *runbook.ExecRegistry {
	execs := runbook.NewExecRegistry()
	execs.Register("client.create", runbook.VerbFunc(func(_ context.Context, _ runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Output: json.RawMessage(`{"client_id":"cl-100"}`)}, nil
	}))
	execs.Register("review.cooldown", runbook.VerbFunc(func(_ context.Context, _ runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{Park: &runbook.Park{
			Reason:   runbook.ParkTimer,
			ResumeAt: time.Now().UTC().Add(time.Second),
		}}, nil
	}))
	execs.Register("review.reject", runbook.VerbFunc(func(_ context.Context, _ runbook.StepContext) (runbook.StepOutcome, error) {
		return runbook.StepOutcome{}, errors.New("review service rejected the request")
	}))
	execs.SetFallback(dispatcher)
	return execs
}

type harness struct {
	runner  river.Runner
	backend *fakeBackend
	boxes   *dispatchpg.Store
	pool    *pgxpool.Pool
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	pool := setupTestDB(t)

	backend := &fakeBackend{}
	registry := testRegistry()
	store := runbookpg.New(pool)
	boxes := dispatchpg.New(pool)

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Registry:   registry,
		Dispatches: boxes,
		Tokens:     boxes,
		Backend:    backend,
		Backoff: dispatch.Backoff{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   1.5,
		},
		Logger: &testLogger{t: t},
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	compiler, err := runbook.NewCompiler(runbook.CompilerConfig{
		Registry: registry,
		Oracle:   policy.AllowAll{},
		Store:    store,
	})
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}

	executor, err := runbook.NewExecutor(runbook.ExecutorConfig{
		Store:    store,
		Registry: testExecRegistry(dispatcher),
		Tokens:   dispatcher,
		Logger:   &testLogger{t: t},
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	r, err := river.NewRunner(river.Config{
		Pool:          pool,
		Store:         store,
		Compiler:      compiler,
		Executor:      executor,
		Dispatcher:    dispatcher,
		Workers:       workers,
		DrainInterval: time.Second,
		DrainBatch:    10,
		Logger:        &testLogger{t: t},
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	return &harness{runner: r, backend: backend, boxes: boxes, pool: pool}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if err := h.runner.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func compileRunbook(t *testing.T, r river.Runner, name string, args map[string]json.RawMessage) uuid.UUID {
	t.Helper()
	resp, err := r.CompileInvocation(context.Background(),
		runbook.Invocation{Name: name, Args: args},
		runbook.Session{ID: "sess-test", Actor: "tester"})
	if err != nil {
		t.Fatalf("CompileInvocation(%s) error = %v", name, err)
	}
	compiled, ok := resp.(*runbook.Compiled)
	if !ok {
		t.Fatalf("CompileInvocation(%s) = %T, want *runbook.Compiled", name, resp)
	}
	return compiled.RunbookID
}

func waitForStatus(t *testing.T, r river.Runner, id uuid.UUID, want runbook.Status, within time.Duration) *runbook.Progress {
	t.Helper()
	deadline := time.Now().Add(within)
	last := runbook.Status("unknown")
	for time.Now().Before(deadline) {
		p, err := r.Progress(context.Background(), id)
		if err == nil {
			last = p.Status
			if p.Status == want {
				return p
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("runbook %s never reached %s within %v (last status %s)", id, want, within, last)
	return nil
}

func TestRunner_Lifecycle(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	if _, err := h.runner.CompileInvocation(ctx, runbook.Invocation{Name: "client.create"}, runbook.Session{ID: "s"}); !errors.Is(err, river.ErrRunnerNotStarted) {
		t.Errorf("CompileInvocation() before start error = %v, want ErrRunnerNotStarted", err)
	}
	if err := h.runner.EnqueueRunbook(ctx, uuid.New()); !errors.Is(err, river.ErrRunnerNotStarted) {
		t.Errorf("EnqueueRunbook() before start error = %v, want ErrRunnerNotStarted", err)
	}
	if _, err := h.runner.ResolveSignal(ctx, "any-key", nil); !errors.Is(err, river.ErrRunnerNotStarted) {
		t.Errorf("ResolveSignal() before start error = %v, want ErrRunnerNotStarted", err)
	}

	// Read-only queries work without a started client.
	if _, err := h.runner.Runbook(ctx, uuid.New()); !errors.Is(err, runbook.ErrRunbookNotFound) {
		t.Errorf("Runbook() unknown id error = %v, want ErrRunbookNotFound", err)
	}

	h.start(t)
	defer h.stop(t)

	if err := h.runner.Start(ctx); !errors.Is(err, river.ErrRunnerAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrRunnerAlreadyStarted", err)
	}

	if err := h.runner.EnqueueRunbook(ctx, uuid.New()); !errors.Is(err, runbook.ErrRunbookNotFound) {
		t.Errorf("EnqueueRunbook() unknown id error = %v, want ErrRunbookNotFound", err)
	}

	if err := h.runner.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := h.runner.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v, want nil no-op", err)
	}
}

func TestRunner_DirectRunbookCompletes(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	id := compileRunbook(t, h.runner, "client.create", map[string]json.RawMessage{
		"name": json.RawMessage(`"Acme Holdings"`),
	})
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	progress := waitForStatus(t, h.runner, id, runbook.StatusCompleted, 30*time.Second)

	rec, ok := progress.Step(0)
	if !ok {
		t.Fatal("no record for step 0")
	}
	if rec.State != runbook.StepCompleted {
		t.Errorf("step 0 state = %s, want %s", rec.State, runbook.StepCompleted)
	}

	var out map[string]string
	if err := json.Unmarshal(rec.Output, &out); err != nil {
		t.Fatalf("step 0 output invalid: %v", err)
	}
	if out["client_id"] != "cl-100" {
		t.Errorf("step 0 output client_id = %q, want cl-100", out["client_id"])
	}
}

func TestRunner_SignalResumesParkedRunbook(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	id := compileRunbook(t, h.runner, "kyc.screen", map[string]json.RawMessage{
		"client_id": json.RawMessage(`"cl-100"`),
	})
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	progress := waitForStatus(t, h.runner, id, runbook.StatusParked, 30*time.Second)

	park, open := progress.Park(0)
	if !open {
		t.Fatal("no open park for step 0")
	}
	if park.Reason != runbook.ParkMessage {
		t.Errorf("park reason = %s, want %s after a delivered dispatch", park.Reason, runbook.ParkMessage)
	}
	wantKey := runbook.CorrelationKey(id, 0, "kyc_screening")
	if park.CorrelationKey != wantKey {
		t.Errorf("park correlation key = %q, want %q", park.CorrelationKey, wantKey)
	}
	if park.ExpectedSignal != "kyc_screening.completed" {
		t.Errorf("park expected signal = %q, want kyc_screening.completed", park.ExpectedSignal)
	}

	if _, err := h.runner.ResolveSignal(ctx, "no-such-key", nil); !errors.Is(err, dispatch.ErrTokenNotFound) {
		t.Errorf("ResolveSignal() unknown key error = %v, want ErrTokenNotFound", err)
	}

	closed, err := h.runner.ResolveSignal(ctx, wantKey, json.RawMessage(`{"result":"clear"}`))
	if err != nil {
		t.Fatalf("ResolveSignal() error = %v", err)
	}
	if !closed {
		t.Error("ResolveSignal() = false, want true for the first signal")
	}

	progress = waitForStatus(t, h.runner, id, runbook.StatusCompleted, 30*time.Second)

	rec, _ := progress.Step(0)
	var out map[string]string
	if err := json.Unmarshal(rec.Output, &out); err != nil {
		t.Fatalf("step 0 output invalid: %v", err)
	}
	if out["result"] != "clear" {
		t.Errorf("step 0 output result = %q, want clear (the signal payload)", out["result"])
	}

	token, err := h.boxes.Get(ctx, wantKey)
	if err != nil {
		t.Fatalf("Get(token) error = %v", err)
	}
	if token.Status != dispatch.TokenResolved {
		t.Errorf("token status = %s, want %s", token.Status, dispatch.TokenResolved)
	}

	// Replays of the same signal must change nothing.
	closed, err = h.runner.ResolveSignal(ctx, wantKey, json.RawMessage(`{"result":"clear"}`))
	if err != nil {
		t.Fatalf("duplicate ResolveSignal() error = %v", err)
	}
	if closed {
		t.Error("duplicate ResolveSignal() = true, want false")
	}
}

func TestRunner_TimerParkResumes(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	id := compileRunbook(t, h.runner, "review.cooldown", nil)
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	progress := waitForStatus(t, h.runner, id, runbook.StatusParked, 30*time.Second)

	park, open := progress.Park(0)
	if !open {
		t.Fatal("no open park for step 0")
	}
	if park.Reason != runbook.ParkTimer {
		t.Errorf("park reason = %s, want %s", park.Reason, runbook.ParkTimer)
	}
	if park.ResumeAt.IsZero() {
		t.Error("park resume time is zero, want the cooldown deadline")
	}

	// The scheduled wake-up closes the park with no external signal.
	progress = waitForStatus(t, h.runner, id, runbook.StatusCompleted, 30*time.Second)

	if rec, ok := progress.Step(0); !ok || rec.State != runbook.StepCompleted {
		t.Errorf("step 0 state = %v, want %s", rec.State, runbook.StepCompleted)
	}
	if _, open := progress.Park(0); open {
		t.Error("park still open after timer completion")
	}
}

func TestRunner_CancelParkedRunbook(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	h.backend.fail(dispatch.ErrBackendUnavailable)

	id := compileRunbook(t, h.runner, "kyc.screen", map[string]json.RawMessage{
		"client_id": json.RawMessage(`"cl-200"`),
	})
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	progress := waitForStatus(t, h.runner, id, runbook.StatusParked, 30*time.Second)
	if park, _ := progress.Park(0); park.Reason != runbook.ParkExternalDispatch {
		t.Errorf("park reason = %s, want %s while the dispatch is queued", park.Reason, runbook.ParkExternalDispatch)
	}

	if err := h.runner.CancelRunbook(ctx, id, "client withdrew"); err != nil {
		t.Fatalf("CancelRunbook() error = %v", err)
	}

	progress = waitForStatus(t, h.runner, id, runbook.StatusFailed, 30*time.Second)
	if progress.Cause == "" {
		t.Error("cancelled runbook has no cause")
	}

	key := runbook.CorrelationKey(id, 0, "kyc_screening")
	token, err := h.boxes.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get(token) error = %v", err)
	}
	if token.Status != dispatch.TokenCancelled {
		t.Errorf("token status = %s, want %s", token.Status, dispatch.TokenCancelled)
	}

	// A signal arriving after cancellation is a late no-op.
	closed, err := h.runner.ResolveSignal(ctx, key, json.RawMessage(`{"result":"clear"}`))
	if err != nil {
		t.Fatalf("late ResolveSignal() error = %v", err)
	}
	if closed {
		t.Error("late ResolveSignal() = true, want false")
	}
}

func TestRunner_DrainDeliversQueuedDispatch(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	h.backend.fail(dispatch.ErrBackendUnavailable)

	id := compileRunbook(t, h.runner, "kyc.screen", map[string]json.RawMessage{
		"client_id": json.RawMessage(`"cl-300"`),
	})
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	waitForStatus(t, h.runner, id, runbook.StatusParked, 30*time.Second)

	h.backend.fail(nil)

	// The periodic drain redelivers the queued row and binds the process
	// instance onto the waiting token.
	key := runbook.CorrelationKey(id, 0, "kyc_screening")
	deadline := time.Now().Add(30 * time.Second)
	bound := false
	for time.Now().Before(deadline) {
		token, err := h.boxes.Get(ctx, key)
		if err == nil && token.ProcessInstanceID != "" {
			bound = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !bound {
		t.Fatal("queued dispatch never delivered: token has no process instance")
	}
	if h.backend.count() == 0 {
		t.Error("backend saw no deliveries")
	}

	closed, err := h.runner.ResolveSignal(ctx, key, json.RawMessage(`{"result":"clear"}`))
	if err != nil {
		t.Fatalf("ResolveSignal() error = %v", err)
	}
	if !closed {
		t.Error("ResolveSignal() = false, want true")
	}
	waitForStatus(t, h.runner, id, runbook.StatusCompleted, 30*time.Second)
}

func TestRunner_InsertOnlyMode(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	id := compileRunbook(t, h.runner, "client.create", map[string]json.RawMessage{
		"name": json.RawMessage(`"Acme Holdings"`),
	})
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	var jobs int
	if err := h.pool.QueryRow(ctx, `SELECT count(*) FROM river_job WHERE kind = 'mechane.runbook'`).Scan(&jobs); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 1 {
		t.Errorf("queued jobs = %d, want 1", jobs)
	}

	// No workers poll in insert-only mode; the runbook must stay pending.
	time.Sleep(1500 * time.Millisecond)
	progress, err := h.runner.Progress(ctx, id)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if progress.Status != runbook.StatusPending {
		t.Errorf("status = %s, want %s", progress.Status, runbook.StatusPending)
	}
}

func TestRunner_DomainFailureCompletesJob(t *testing.T) {
	h := newHarness(t, 2)
	h.start(t)
	defer h.stop(t)
	ctx := context.Background()

	id := compileRunbook(t, h.runner, "review.reject", nil)
	if err := h.runner.EnqueueRunbook(ctx, id); err != nil {
		t.Fatalf("EnqueueRunbook() error = %v", err)
	}

	progress := waitForStatus(t, h.runner, id, runbook.StatusFailed, 30*time.Second)

	rec, ok := progress.Step(0)
	if !ok {
		t.Fatal("no record for step 0")
	}
	if rec.State != runbook.StepFailed {
		t.Errorf("step 0 state = %s, want %s", rec.State, runbook.StepFailed)
	}
	if rec.Error == "" {
		t.Error("failed step has no error")
	}

	// A domain failure is a result, not a job error: the queue job must
	// finalize completed on its first attempt instead of retrying.
	deadline := time.Now().Add(30 * time.Second)
	for {
		var state string
		var attempt int
		err := h.pool.QueryRow(ctx,
			`SELECT state, attempt FROM river_job WHERE kind = 'mechane.runbook' ORDER BY id DESC LIMIT 1`,
		).Scan(&state, &attempt)
		if err == nil && state == "completed" {
			if attempt != 1 {
				t.Errorf("job attempt = %d, want 1", attempt)
			}
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("runbook job never completed (state %q, err %v)", state, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// testLogger forwards runner logs to the test output.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.t.Logf("DEBUG: %s %v", msg, keysAndValues) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.t.Logf("INFO: %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.t.Logf("WARN: %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.t.Logf("ERROR: %s %v", msg, keysAndValues) }
