package runbook

import (
	"context"

	"github.com/google/uuid"
)

// PlanStore persists compiled runbooks. Rows are immutable after
// insert; execution progress lives in the event history, never in the
// plan row.
type PlanStore interface {
	// Insert persists a runbook, assigning the next version for its
	// session, and records the runbook.stored event in the same atomic
	// operation. Inserting a plan whose content ID already exists is an
	// idempotent no-op returning the previously stored row. Returns the
	// stored runbook with its version filled in.
	Insert(ctx context.Context, rb *Runbook) (*Runbook, error)

	// Get loads a runbook by ID and verifies its integrity hash.
	// Returns ErrRunbookNotFound if no row exists, ErrIntegrity if the
	// stored content no longer matches its recorded hash.
	Get(ctx context.Context, id uuid.UUID) (*Runbook, error)
}

// EventStore persists a runbook's append-only execution history.
// Implementations must enforce gapless, unique sequences per runbook.
type EventStore interface {
	// Append appends a single event.
	// Returns ErrSequenceConflict if the sequence number already exists
	// for the runbook; callers reload the history and retry.
	Append(ctx context.Context, e *Event) error

	// AppendBatch appends multiple events atomically. All events are
	// appended, or none are.
	AppendBatch(ctx context.Context, events []*Event) error

	// Load returns every event for a runbook in sequence order.
	// An unknown runbook yields an empty slice, not an error.
	Load(ctx context.Context, runbookID uuid.UUID) ([]*Event, error)

	// LoadSince returns events with sequence greater than afterSequence,
	// in sequence order.
	LoadSince(ctx context.Context, runbookID uuid.UUID, afterSequence int64) ([]*Event, error)

	// LastSequence returns the highest sequence number for a runbook,
	// or 0 if it has no events.
	LastSequence(ctx context.Context, runbookID uuid.UUID) (int64, error)
}

// LockStore coordinates write-set locks between executing runbooks.
// Locks are held from the start of execution through any parks and are
// released only on terminal status.
type LockStore interface {
	// AcquireWriteSet locks the given entities for a runbook. Returns
	// ErrWriteConflict if any entity is held by another runbook.
	// Entities already held by the same runbook are a no-op, so
	// resumption after a park re-acquires safely.
	AcquireWriteSet(ctx context.Context, runbookID uuid.UUID, entities []string) error

	// ReleaseWriteSet releases every entity held by the runbook.
	// Releasing when nothing is held is a no-op.
	ReleaseWriteSet(ctx context.Context, runbookID uuid.UUID) error
}

// Store combines the persistence surfaces the compiler and executor
// depend on. Both the in-memory and PostgreSQL implementations satisfy
// it.
type Store interface {
	PlanStore
	EventStore
	LockStore
}
