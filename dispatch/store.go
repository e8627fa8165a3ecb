package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTokenNotFound is returned when no token matches a correlation key.
var ErrTokenNotFound = errors.New("parked token not found")

// ErrDispatchNotFound is returned when no outbox row matches an ID.
var ErrDispatchNotFound = errors.New("pending dispatch not found")

// DispatchStore persists the outbox of requests to the external process
// backend. All status transitions are guarded by the row's current
// status, so concurrent workers racing on the same row settle on one
// outcome instead of flip-flopping.
type DispatchStore interface {
	// Enqueue inserts a dispatch row unless a pending row with the same
	// payload hash already exists, in which case the stored row is
	// returned unchanged. Rows in a terminal status do not block a new
	// insert.
	Enqueue(ctx context.Context, d *PendingDispatch) (*PendingDispatch, error)

	// Claim exclusively claims up to limit pending rows due at now,
	// skipping rows held by concurrent claimers rather than blocking
	// on them. A claimed row stays invisible to other claimers until
	// one of the Mark methods settles the attempt.
	Claim(ctx context.Context, limit int, now time.Time) ([]*PendingDispatch, error)

	// MarkDispatched transitions a pending row to dispatched.
	MarkDispatched(ctx context.Context, id uuid.UUID) error

	// MarkRetry records a failed attempt and leaves the row pending,
	// due again at nextAttemptAt.
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error

	// MarkFailedPermanent records a final failed attempt and
	// dead-letters the row.
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, attempts int, lastError string) error

	// DeadLetters lists permanently failed rows, oldest first, for
	// operator attention.
	DeadLetters(ctx context.Context) ([]*PendingDispatch, error)
}

// TokenStore persists parked tokens and their one-shot resolution.
type TokenStore interface {
	// Create inserts a waiting token. Creating a token whose
	// correlation key already exists returns the stored token
	// unchanged, so re-parking after a crash is safe.
	Create(ctx context.Context, t *ParkedToken) (*ParkedToken, error)

	// Resolve atomically transitions the matching token from waiting to
	// resolved and records the result payload. The boolean reports
	// whether this call performed the transition; resolving an
	// already-settled token is a safe no-op returning false. Callers
	// use the boolean to decide whether to re-activate execution.
	Resolve(ctx context.Context, correlationKey string, result json.RawMessage) (*ParkedToken, bool, error)

	// BindProcess records the backend process instance on a waiting
	// token once the dispatch is acknowledged, and reclassifies its
	// reason as a message wait: a bound process means the dispatch
	// reached the backend, so the step now waits on the completion
	// signal.
	BindProcess(ctx context.Context, correlationKey, processInstanceID string) error

	// CancelForRunbook settles every waiting token of a runbook as
	// cancelled and returns how many changed.
	CancelForRunbook(ctx context.Context, runbookID uuid.UUID) (int, error)

	// ResolveForRunbook settles every waiting token of a runbook as
	// resolved with a shared result, used when the external process
	// reaches terminal completion. Returns how many changed.
	ResolveForRunbook(ctx context.Context, runbookID uuid.UUID, result json.RawMessage) (int, error)

	// Get returns the token for a correlation key.
	Get(ctx context.Context, correlationKey string) (*ParkedToken, error)

	// OpenForRunbook lists a runbook's waiting tokens in step order.
	OpenForRunbook(ctx context.Context, runbookID uuid.UUID) ([]*ParkedToken, error)
}
