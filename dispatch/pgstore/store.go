// Package pgstore provides a PostgreSQL-based implementation of the
// dispatch stores.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
	"github.com/lirancohen/mechane/dispatch"
	"github.com/lirancohen/mechane/runbook"
)

// Schema creates the tables the store depends on. It is idempotent and
// safe to run on every startup. The partial unique index scopes payload
// hash idempotency to pending rows: settled rows never block a fresh
// enqueue of the same request.
const Schema = `
CREATE TABLE IF NOT EXISTS mechane_dispatches (
	id UUID PRIMARY KEY,
	runbook_id UUID NOT NULL,
	step_index INTEGER NOT NULL,
	verb TEXT NOT NULL,
	process_key TEXT NOT NULL,
	correlation_key TEXT NOT NULL,
	payload JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_attempted_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	claimed_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mechane_dispatches_pending_hash
	ON mechane_dispatches (payload_hash) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_mechane_dispatches_due
	ON mechane_dispatches (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS mechane_tokens (
	id UUID PRIMARY KEY,
	runbook_id UUID NOT NULL,
	step_index INTEGER NOT NULL,
	correlation_key TEXT NOT NULL UNIQUE,
	reason TEXT NOT NULL,
	expected_signal TEXT NOT NULL DEFAULT '',
	process_instance_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'waiting',
	result JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_mechane_tokens_runbook_id ON mechane_tokens (runbook_id, status);
`

// defaultClaimHold is how long a claimed row stays invisible to other
// claimers before it is assumed abandoned by a crashed worker.
const defaultClaimHold = time.Minute

// Store implements dispatch.DispatchStore and dispatch.TokenStore with
// PostgreSQL. Claiming uses FOR UPDATE SKIP LOCKED plus a hold window,
// so concurrent drain workers never block each other and a crashed
// worker's claims become due again after the hold expires.
type Store struct {
	pool      *pgxpool.Pool
	claimHold time.Duration
}

// New creates a new PostgreSQL dispatch store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, claimHold: defaultClaimHold}
}

// Setup creates the store's tables.
func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create dispatch schema: %w", err)
	}
	return nil
}

const dispatchColumns = `id, runbook_id, step_index, verb, process_key, correlation_key, payload, payload_hash, status, attempts, last_error, last_attempted_at, next_attempt_at, created_at, dispatched_at`

// Enqueue inserts a dispatch row unless a pending row with the same
// payload hash exists, in which case the stored row is returned.
func (s *Store) Enqueue(ctx context.Context, d *dispatch.PendingDispatch) (*dispatch.PendingDispatch, error) {
	stored := *d
	if stored.Status == "" {
		stored.Status = dispatch.DispatchPending
	}

	// The blocking pending row can settle between the insert attempt
	// and the read of it, so one more round trip covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO mechane_dispatches (id, runbook_id, step_index, verb, process_key, correlation_key, payload, payload_hash, status, attempts, last_error, last_attempted_at, next_attempt_at, created_at, dispatched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (payload_hash) WHERE status = 'pending' DO NOTHING
		`, stored.ID, stored.RunbookID, stored.StepIndex, stored.Verb, stored.ProcessKey, stored.CorrelationKey,
			stored.Payload, stored.PayloadHash, string(stored.Status), stored.Attempts, stored.LastError,
			nullableTime(stored.LastAttemptedAt), nullableTime(stored.NextAttemptAt), stored.CreatedAt, nullableTime(stored.DispatchedAt))
		if err != nil {
			return nil, fmt.Errorf("enqueue dispatch: %w", err)
		}
		if tag.RowsAffected() > 0 {
			out := stored
			return &out, nil
		}

		existing, err := s.pendingByHash(ctx, stored.PayloadHash)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("enqueue dispatch: pending row for hash %s raced away twice", d.PayloadHash)
}

func (s *Store) pendingByHash(ctx context.Context, hash string) (*dispatch.PendingDispatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dispatchColumns+`
		FROM mechane_dispatches
		WHERE payload_hash = $1 AND status = 'pending'
	`, hash)
	return scanDispatch(row)
}

// Claim returns up to limit due pending rows, holding each until a Mark
// method settles the attempt or the hold window lapses. Rows locked by
// a concurrent claim are skipped, never waited on.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*dispatch.PendingDispatch, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE mechane_dispatches
		SET claimed_until = $3
		WHERE id IN (
			SELECT id FROM mechane_dispatches
			WHERE status = 'pending'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			  AND (claimed_until IS NULL OR claimed_until <= $2)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+dispatchColumns+`
	`, limit, now, now.Add(s.claimHold))
	if err != nil {
		return nil, fmt.Errorf("claim dispatches: %w", err)
	}
	defer rows.Close()

	var out []*dispatch.PendingDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return out, nil
}

// MarkDispatched transitions a pending row to dispatched.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mechane_dispatches
		SET status = 'dispatched', dispatched_at = $2, last_attempted_at = $2, claimed_until = NULL
		WHERE id = $1 AND status = 'pending'
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.settledOrMissing(ctx, id)
	}
	return nil
}

// MarkRetry records a failed attempt, leaving the row pending and due
// again at nextAttemptAt.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mechane_dispatches
		SET attempts = $2, last_error = $3, next_attempt_at = $4, last_attempted_at = $5, claimed_until = NULL
		WHERE id = $1 AND status = 'pending'
	`, id, attempts, lastError, nextAttemptAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.settledOrMissing(ctx, id)
	}
	return nil
}

// MarkFailedPermanent records a final failed attempt and dead-letters
// the row.
func (s *Store) MarkFailedPermanent(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mechane_dispatches
		SET status = 'failed_permanent', attempts = $2, last_error = $3, last_attempted_at = $4, claimed_until = NULL
		WHERE id = $1 AND status = 'pending'
	`, id, attempts, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.settledOrMissing(ctx, id)
	}
	return nil
}

// settledOrMissing distinguishes a status-guarded no-op from a missing
// row after an UPDATE touched nothing.
func (s *Store) settledOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mechane_dispatches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check dispatch: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	return nil
}

// DeadLetters lists permanently failed rows, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]*dispatch.PendingDispatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dispatchColumns+`
		FROM mechane_dispatches
		WHERE status = 'failed_permanent'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*dispatch.PendingDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Dispatch returns an outbox row by ID.
func (s *Store) Dispatch(ctx context.Context, id uuid.UUID) (*dispatch.PendingDispatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dispatchColumns+`
		FROM mechane_dispatches
		WHERE id = $1
	`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query dispatch: %w", err)
	}
	return d, nil
}

const tokenColumns = `id, runbook_id, step_index, correlation_key, reason, expected_signal, process_instance_id, status, result, created_at, resolved_at`

// Create inserts a waiting token; an existing correlation key returns
// the stored token unchanged.
func (s *Store) Create(ctx context.Context, t *dispatch.ParkedToken) (*dispatch.ParkedToken, error) {
	stored := *t
	if stored.Status == "" {
		stored.Status = dispatch.TokenWaiting
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO mechane_tokens (id, runbook_id, step_index, correlation_key, reason, expected_signal, process_instance_id, status, result, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (correlation_key) DO NOTHING
	`, stored.ID, stored.RunbookID, stored.StepIndex, stored.CorrelationKey, string(stored.Reason), stored.ExpectedSignal,
		stored.ProcessInstanceID, string(stored.Status), stored.Result, stored.CreatedAt, nullableTime(stored.ResolvedAt))
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	if tag.RowsAffected() > 0 {
		out := stored
		return &out, nil
	}
	// Tokens are never deleted, so the conflicting row is readable.
	return s.Get(ctx, stored.CorrelationKey)
}

// Resolve transitions a waiting token to resolved. The boolean reports
// whether this call performed the transition.
func (s *Store) Resolve(ctx context.Context, correlationKey string, result json.RawMessage) (*dispatch.ParkedToken, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE mechane_tokens
		SET status = 'resolved', result = $2, resolved_at = $3
		WHERE correlation_key = $1 AND status = 'waiting'
		RETURNING `+tokenColumns+`
	`, correlationKey, result, time.Now().UTC())
	tok, err := scanToken(row)
	if err == nil {
		return tok, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("resolve token: %w", err)
	}

	// Already settled or unknown; the read tells which.
	tok, err = s.Get(ctx, correlationKey)
	if err != nil {
		return nil, false, err
	}
	return tok, false, nil
}

// BindProcess records the backend process instance on a waiting token
// and reclassifies it as waiting on the completion message.
func (s *Store) BindProcess(ctx context.Context, correlationKey, processInstanceID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mechane_tokens
		SET process_instance_id = $2, reason = $3
		WHERE correlation_key = $1 AND status = 'waiting'
	`, correlationKey, processInstanceID, string(runbook.ParkMessage))
	if err != nil {
		return fmt.Errorf("bind process: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, correlationKey); err != nil {
			return err
		}
	}
	return nil
}

// CancelForRunbook settles every waiting token of a runbook as
// cancelled.
func (s *Store) CancelForRunbook(ctx context.Context, runbookID uuid.UUID) (int, error) {
	return s.settleForRunbook(ctx, runbookID, dispatch.TokenCancelled, nil)
}

// ResolveForRunbook settles every waiting token of a runbook as
// resolved with a shared result.
func (s *Store) ResolveForRunbook(ctx context.Context, runbookID uuid.UUID, result json.RawMessage) (int, error) {
	return s.settleForRunbook(ctx, runbookID, dispatch.TokenResolved, result)
}

func (s *Store) settleForRunbook(ctx context.Context, runbookID uuid.UUID, status dispatch.TokenStatus, result json.RawMessage) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mechane_tokens
		SET status = $2, result = $3, resolved_at = $4
		WHERE runbook_id = $1 AND status = 'waiting'
	`, runbookID, string(status), result, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("settle tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns the token for a correlation key.
func (s *Store) Get(ctx context.Context, correlationKey string) (*dispatch.ParkedToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM mechane_tokens
		WHERE correlation_key = $1
	`, correlationKey)
	tok, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrTokenNotFound, correlationKey)
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	return tok, nil
}

// OpenForRunbook lists a runbook's waiting tokens in step order.
func (s *Store) OpenForRunbook(ctx context.Context, runbookID uuid.UUID) ([]*dispatch.ParkedToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM mechane_tokens
		WHERE runbook_id = $1 AND status = 'waiting'
		ORDER BY step_index ASC
	`, runbookID)
	if err != nil {
		return nil, fmt.Errorf("query open tokens: %w", err)
	}
	defer rows.Close()

	var out []*dispatch.ParkedToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (*dispatch.PendingDispatch, error) {
	var (
		d             dispatch.PendingDispatch
		status        string
		lastAttempted *time.Time
		nextAttempt   *time.Time
		dispatchedAt  *time.Time
	)
	err := row.Scan(&d.ID, &d.RunbookID, &d.StepIndex, &d.Verb, &d.ProcessKey, &d.CorrelationKey,
		&d.Payload, &d.PayloadHash, &status, &d.Attempts, &d.LastError, &lastAttempted, &nextAttempt, &d.CreatedAt, &dispatchedAt)
	if err != nil {
		return nil, err
	}
	d.Status = dispatch.DispatchStatus(status)
	if lastAttempted != nil {
		d.LastAttemptedAt = *lastAttempted
	}
	if nextAttempt != nil {
		d.NextAttemptAt = *nextAttempt
	}
	if dispatchedAt != nil {
		d.DispatchedAt = *dispatchedAt
	}
	return &d, nil
}

func scanToken(row rowScanner) (*dispatch.ParkedToken, error) {
	var (
		t          dispatch.ParkedToken
		reason     string
		status     string
		resolvedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.RunbookID, &t.StepIndex, &t.CorrelationKey, &reason, &t.ExpectedSignal,
		&t.ProcessInstanceID, &status, &t.Result, &t.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	t.Reason = runbook.ParkReason(reason)
	t.Status = dispatch.TokenStatus(status)
	if resolvedAt != nil {
		t.ResolvedAt = *resolvedAt
	}
	return &t, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
