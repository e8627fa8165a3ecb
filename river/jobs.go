package river

import (
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Job kind constants for River job registration.
const (
	// JobKindRunbook is the kind for runbook execution jobs.
	JobKindRunbook = "mechane.runbook"

	// JobKindDrain is the kind for outbox drain jobs.
	JobKindDrain = "mechane.drain"

	// JobKindTimer is the kind for timer park wake-up jobs.
	JobKindTimer = "mechane.timer"
)

// RunbookJobArgs contains arguments for the runbook execution job.
// The job replays the runbook's history and continues execution at the
// cursor, so the same args serve first execution and every resume.
type RunbookJobArgs struct {
	// RunbookID is the stored runbook to execute.
	RunbookID uuid.UUID `json:"runbook_id"`

	// SessionID is the owning session, carried for observability.
	SessionID string `json:"session_id,omitempty"`
}

// Kind implements river.JobArgs.
func (RunbookJobArgs) Kind() string {
	return JobKindRunbook
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (RunbookJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// DrainJobArgs contains arguments for one outbox drain pass.
type DrainJobArgs struct {
	// Batch bounds the rows claimed by this pass. Zero uses the
	// runner's configured DrainBatch.
	Batch int `json:"batch,omitempty"`
}

// Kind implements river.JobArgs.
func (DrainJobArgs) Kind() string {
	return JobKindDrain
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (DrainJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// TimerJobArgs contains arguments for completing one timer park when
// its resume time arrives.
type TimerJobArgs struct {
	// RunbookID is the parked runbook.
	RunbookID uuid.UUID `json:"runbook_id"`

	// StepIndex is the parked step.
	StepIndex int `json:"step_index"`

	// ResumeAt is when the park is due; part of the job identity so a
	// later re-park of the same step gets its own wake-up.
	ResumeAt time.Time `json:"resume_at"`
}

// Kind implements river.JobArgs.
func (TimerJobArgs) Kind() string {
	return JobKindTimer
}

// InsertOpts implements river.JobArgsWithInsertOpts. Timer wake-ups
// are unique by args across non-terminal states, so repeated passes
// over the same open park collapse into one scheduled job. Completed
// jobs are excluded from the uniqueness window: a wake-up that fired
// without closing the park must not block its replacement.
func (TimerJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}
