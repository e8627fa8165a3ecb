// Package pgstore provides a PostgreSQL-based implementation of
// runbook.Store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
	"github.com/lirancohen/mechane/runbook"
)

// Schema creates the tables the store depends on. It is idempotent and
// safe to run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS mechane_runbooks (
	id UUID PRIMARY KEY,
	session_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	invocation TEXT NOT NULL,
	steps JSONB NOT NULL,
	envelope JSONB NOT NULL,
	write_set JSONB NOT NULL,
	audits JSONB,
	integrity_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT mechane_runbooks_session_version UNIQUE (session_id, version)
);

CREATE TABLE IF NOT EXISTS mechane_events (
	id UUID PRIMARY KEY,
	runbook_id UUID NOT NULL,
	sequence BIGINT NOT NULL,
	type TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	data JSONB,
	timestamp TIMESTAMPTZ NOT NULL,
	CONSTRAINT mechane_events_runbook_sequence UNIQUE (runbook_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_mechane_events_runbook_id ON mechane_events (runbook_id, sequence);

CREATE TABLE IF NOT EXISTS mechane_write_locks (
	entity_id TEXT PRIMARY KEY,
	runbook_id UUID NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_mechane_write_locks_runbook_id ON mechane_write_locks (runbook_id);
`

// Store implements runbook.Store with PostgreSQL. Version assignment
// and event sequencing are serialized with advisory locks, so
// concurrent compilers and executors see the same gapless history the
// in-memory store guarantees.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL runbook store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Setup creates the store's tables.
func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create runbook schema: %w", err)
	}
	return nil
}

// Insert persists a runbook under the next version for its session and
// records the runbook.stored event in the same transaction.
// Re-inserting an existing content ID returns the stored row unchanged.
func (s *Store) Insert(ctx context.Context, rb *runbook.Runbook) (*runbook.Runbook, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize version assignment per session.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rb.SessionID); err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}

	existing, err := s.getRunbook(ctx, tx, rb.ID)
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, runbook.ErrRunbookNotFound) {
		return nil, err
	}

	var version int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM mechane_runbooks
		WHERE session_id = $1
	`, rb.SessionID).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("assign version: %w", err)
	}

	stored := *rb
	stored.Version = version

	steps, err := json.Marshal(stored.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	envelope, err := json.Marshal(stored.Envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	writeSet, err := json.Marshal(stored.WriteSet)
	if err != nil {
		return nil, fmt.Errorf("marshal write set: %w", err)
	}
	var audits []byte
	if len(stored.Audits) > 0 {
		audits, err = json.Marshal(stored.Audits)
		if err != nil {
			return nil, fmt.Errorf("marshal audits: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO mechane_runbooks (id, session_id, version, invocation, steps, envelope, write_set, audits, integrity_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stored.ID, stored.SessionID, stored.Version, stored.Invocation, steps, envelope, writeSet, audits, stored.IntegrityHash, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert runbook: %w", err)
	}

	ev, err := runbook.NewEvent(stored.ID, 1, runbook.EventStored, -1, runbook.StoredData{
		Version:   stored.Version,
		StepCount: len(stored.Steps),
	})
	if err != nil {
		return nil, err
	}
	if err := s.appendInTx(ctx, tx, []*runbook.Event{ev}); err != nil {
		return nil, err
	}

	return &stored, tx.Commit(ctx)
}

// Get loads a runbook by ID and verifies its integrity hash.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*runbook.Runbook, error) {
	rb, err := s.getRunbook(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	if err := rb.Verify(); err != nil {
		return nil, err
	}
	return rb, nil
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getRunbook(ctx context.Context, q querier, id uuid.UUID) (*runbook.Runbook, error) {
	var (
		rb       runbook.Runbook
		steps    []byte
		envelope []byte
		writeSet []byte
		audits   []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, session_id, version, invocation, steps, envelope, write_set, audits, integrity_hash, created_at
		FROM mechane_runbooks
		WHERE id = $1
	`, id).Scan(&rb.ID, &rb.SessionID, &rb.Version, &rb.Invocation, &steps, &envelope, &writeSet, &audits, &rb.IntegrityHash, &rb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", runbook.ErrRunbookNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query runbook: %w", err)
	}

	if err := json.Unmarshal(steps, &rb.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(envelope, &rb.Envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := json.Unmarshal(writeSet, &rb.WriteSet); err != nil {
		return nil, fmt.Errorf("unmarshal write set: %w", err)
	}
	if len(audits) > 0 {
		if err := json.Unmarshal(audits, &rb.Audits); err != nil {
			return nil, fmt.Errorf("unmarshal audits: %w", err)
		}
	}
	return &rb, nil
}

// RunbooksForSession returns every runbook compiled in a session, in
// version order.
func (s *Store) RunbooksForSession(ctx context.Context, sessionID string) ([]*runbook.Runbook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM mechane_runbooks
		WHERE session_id = $1
		ORDER BY version
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session runbooks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan runbook id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session runbooks: %w", err)
	}

	out := make([]*runbook.Runbook, 0, len(ids))
	for _, id := range ids {
		rb, err := s.getRunbook(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, nil
}

// Append adds a single event to the store.
func (s *Store) Append(ctx context.Context, e *runbook.Event) error {
	return s.AppendBatch(ctx, []*runbook.Event{e})
}

// AppendBatch adds multiple events atomically.
func (s *Store) AppendBatch(ctx context.Context, events []*runbook.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendInTx(ctx, tx, events); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AppendBatchTx adds events within the given transaction, so callers
// can commit events together with other work, such as job inserts.
func (s *Store) AppendBatchTx(ctx context.Context, tx pgx.Tx, events []*runbook.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.appendInTx(ctx, tx, events)
}

func (s *Store) appendInTx(ctx context.Context, tx pgx.Tx, events []*runbook.Event) error {
	// Group events by runbook to validate sequences.
	eventsByRunbook := make(map[uuid.UUID][]*runbook.Event)
	for _, e := range events {
		eventsByRunbook[e.RunbookID] = append(eventsByRunbook[e.RunbookID], e)
	}

	for runbookID, runbookEvents := range eventsByRunbook {
		// Advisory lock serializes appends per runbook without the
		// PostgreSQL limitation of FOR UPDATE with aggregates.
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runbookID.String())
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		var lastSeq int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence), 0)
			FROM mechane_events
			WHERE runbook_id = $1
		`, runbookID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("get last sequence: %w", err)
		}

		expectedSeq := lastSeq + 1
		for _, e := range runbookEvents {
			if e.Sequence != expectedSeq {
				return &runbook.SequenceConflictError{
					RunbookID: runbookID.String(),
					Expected:  expectedSeq,
					Actual:    e.Sequence,
				}
			}
			expectedSeq++
		}
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO mechane_events (id, runbook_id, sequence, type, step_index, data, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.RunbookID, e.Sequence, string(e.Type), e.StepIndex, e.Data, e.Timestamp)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return runbook.ErrDuplicateEvent
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return nil
}

// Load retrieves all events for a runbook, ordered by sequence.
func (s *Store) Load(ctx context.Context, runbookID uuid.UUID) ([]*runbook.Event, error) {
	return s.loadEvents(ctx, s.pool, runbookID, 0)
}

// LoadSince retrieves events with sequence > afterSequence, ordered by
// sequence.
func (s *Store) LoadSince(ctx context.Context, runbookID uuid.UUID, afterSequence int64) ([]*runbook.Event, error) {
	return s.loadEvents(ctx, s.pool, runbookID, afterSequence)
}

func (s *Store) loadEvents(ctx context.Context, q querier, runbookID uuid.UUID, afterSequence int64) ([]*runbook.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, runbook_id, sequence, type, step_index, data, timestamp
		FROM mechane_events
		WHERE runbook_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, runbookID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*runbook.Event
	for rows.Next() {
		var (
			e   runbook.Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.RunbookID, &e.Sequence, &typ, &e.StepIndex, &e.Data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = runbook.EventType(typ)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// LastSequence returns the highest sequence number for a runbook.
func (s *Store) LastSequence(ctx context.Context, runbookID uuid.UUID) (int64, error) {
	var lastSeq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM mechane_events
		WHERE runbook_id = $1
	`, runbookID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

// AcquireWriteSet locks the given entities for a runbook. All entities
// are validated before any are locked (all-or-nothing).
func (s *Store) AcquireWriteSet(ctx context.Context, runbookID uuid.UUID, entities []string) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT entity_id, runbook_id
		FROM mechane_write_locks
		WHERE entity_id = ANY($1)
		FOR UPDATE
	`, entities)
	if err != nil {
		return fmt.Errorf("query locks: %w", err)
	}
	held := make(map[string]uuid.UUID)
	for rows.Next() {
		var (
			entity string
			holder uuid.UUID
		)
		if err := rows.Scan(&entity, &holder); err != nil {
			rows.Close()
			return fmt.Errorf("scan lock: %w", err)
		}
		held[entity] = holder
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate locks: %w", err)
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, entity := range entities {
		if holder, ok := held[entity]; ok {
			if holder != runbookID {
				return fmt.Errorf("%w: entity %s held by runbook %s", runbook.ErrWriteConflict, entity, holder)
			}
			continue
		}
		batch.Queue(`
			INSERT INTO mechane_write_locks (entity_id, runbook_id)
			VALUES ($1, $2)
		`, entity, runbookID)
		queued++
	}

	if queued > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < queued; i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				// A rival acquired the lock between our read and insert.
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: entity contended during acquire", runbook.ErrWriteConflict)
				}
				return fmt.Errorf("insert lock: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close lock batch: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ReleaseWriteSet releases every entity held by the runbook.
func (s *Store) ReleaseWriteSet(ctx context.Context, runbookID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mechane_write_locks WHERE runbook_id = $1`, runbookID); err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// isUniqueViolation checks for a PostgreSQL unique constraint error
// (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
