package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/runbook"
)

// DispatchStatus is the lifecycle state of an outbox row.
type DispatchStatus string

const (
	// DispatchPending rows await delivery to the process backend.
	DispatchPending DispatchStatus = "pending"

	// DispatchDispatched is terminal success: the backend acknowledged
	// the request.
	DispatchDispatched DispatchStatus = "dispatched"

	// DispatchFailedPermanent is terminal failure: attempts ran out or
	// the backend rejected the request. Rows stay visible for operator
	// attention; they never silently disappear.
	DispatchFailedPermanent DispatchStatus = "failed_permanent"
)

// PendingDispatch is one durable outbox row buffering a request to the
// external process backend. Identity for idempotency is PayloadHash,
// the content hash of the canonical request: at most one row per hash
// may be pending at a time, so enqueueing is safe to retry from any
// number of callers.
type PendingDispatch struct {
	ID             uuid.UUID       `json:"id"`
	RunbookID      uuid.UUID       `json:"runbook_id"`
	StepIndex      int             `json:"step_index"`
	Verb           string          `json:"verb"`
	ProcessKey     string          `json:"process_key"`
	CorrelationKey string          `json:"correlation_key"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Status         DispatchStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`

	// LastAttemptedAt is zero until the first delivery attempt.
	LastAttemptedAt time.Time `json:"last_attempted_at,omitzero"`

	// NextAttemptAt gates claiming: zero means due immediately,
	// otherwise the row waits out its backoff window.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`

	CreatedAt    time.Time `json:"created_at"`
	DispatchedAt time.Time `json:"dispatched_at,omitzero"`
}

// TokenStatus is the lifecycle state of a parked token.
type TokenStatus string

const (
	// TokenWaiting tokens await their external signal.
	TokenWaiting TokenStatus = "waiting"

	// TokenResolved is terminal: the signal arrived.
	TokenResolved TokenStatus = "resolved"

	// TokenCancelled is terminal: the owning runbook was cancelled
	// before the signal arrived.
	TokenCancelled TokenStatus = "cancelled"
)

// ParkedToken is the durable record of one step awaiting an external
// signal, keyed by the correlation key derived from the owning runbook
// and step. Resolution is a one-shot transition guarded by the current
// Waiting status; duplicate or late signals are safe no-ops.
type ParkedToken struct {
	ID             uuid.UUID          `json:"id"`
	RunbookID      uuid.UUID          `json:"runbook_id"`
	StepIndex      int                `json:"step_index"`
	CorrelationKey string             `json:"correlation_key"`
	Reason         runbook.ParkReason `json:"reason"`
	ExpectedSignal string             `json:"expected_signal,omitempty"`

	// ProcessInstanceID is the backend's identifier for the started
	// process, recorded once the dispatch is acknowledged.
	ProcessInstanceID string `json:"process_instance_id,omitempty"`

	Status     TokenStatus     `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitzero"`
}

// Settled reports whether the token has left the Waiting state.
func (t *ParkedToken) Settled() bool {
	return t.Status == TokenResolved || t.Status == TokenCancelled
}
