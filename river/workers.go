package river

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/lirancohen/mechane/runbook"
)

// runbookWorker processes runbook execution jobs: first execution and
// every resume run through the same replay-and-continue pass.
type runbookWorker struct {
	river.WorkerDefaults[RunbookJobArgs]
	runner *runner
}

// Work runs one execution pass. A runbook that ends Failed is a domain
// outcome recorded in its history, not a job failure; only
// infrastructure errors are returned for the queue to retry.
func (w *runbookWorker) Work(ctx context.Context, job *river.Job[RunbookJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("executing runbook job",
		"runbook_id", args.RunbookID, "session_id", args.SessionID)

	outcome, err := r.executor.Execute(ctx, args.RunbookID)
	if err != nil {
		if errors.Is(err, runbook.ErrSequenceConflict) {
			// A concurrent pass won the sequence race; its events are
			// the source of truth and this job has nothing to add.
			r.logger.Debug("execution pass lost sequence race", "runbook_id", args.RunbookID)
			return nil
		}
		return fmt.Errorf("execute runbook %s: %w", args.RunbookID, err)
	}

	return r.afterExecution(ctx, outcome)
}

// drainWorker runs one pass over the pending dispatch outbox.
type drainWorker struct {
	river.WorkerDefaults[DrainJobArgs]
	runner *runner
}

func (w *drainWorker) Work(ctx context.Context, job *river.Job[DrainJobArgs]) error {
	r := w.runner

	batch := job.Args.Batch
	if batch <= 0 {
		batch = r.config.DrainBatch
	}

	stats, err := r.dispatcher.Drain(ctx, batch)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	if stats.Claimed > 0 {
		r.logger.Info("outbox drained",
			"claimed", stats.Claimed, "dispatched", stats.Dispatched,
			"requeued", stats.Requeued, "dead_lettered", stats.DeadLettered)
	}
	return nil
}

// timerWorker completes a timer park when its scheduled time arrives.
type timerWorker struct {
	river.WorkerDefaults[TimerJobArgs]
	runner *runner
}

// Work closes the timer park and re-enqueues the runbook. Firing
// against a park that a signal, cancellation, or re-park already
// closed is a no-op, as is firing for a runbook that no longer exists.
func (w *timerWorker) Work(ctx context.Context, job *river.Job[TimerJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("timer fired", "runbook_id", args.RunbookID, "step", args.StepIndex)

	closed, err := r.completeParkedStep(ctx, args.RunbookID, args.StepIndex, runbook.ParkTimer, nil)
	if err != nil {
		if errors.Is(err, runbook.ErrRunbookNotFound) {
			return nil
		}
		return fmt.Errorf("complete timer park: %w", err)
	}
	if !closed {
		r.logger.Debug("timer park already closed",
			"runbook_id", args.RunbookID, "step", args.StepIndex)
	}
	return nil
}
