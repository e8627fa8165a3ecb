// Package memory provides an in-memory implementation of the dispatch
// stores. This implementation is suitable for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/dispatch"
	"github.com/lirancohen/mechane/runbook"
)

// Store is a thread-safe in-memory implementation of
// dispatch.DispatchStore and dispatch.TokenStore.
type Store struct {
	mu         sync.Mutex
	dispatches map[uuid.UUID]dispatch.PendingDispatch
	order      []uuid.UUID        // insertion order, for stable listings
	claimed    map[uuid.UUID]bool // rows held by an in-flight claim
	tokens     map[string]dispatch.ParkedToken
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		dispatches: make(map[uuid.UUID]dispatch.PendingDispatch),
		claimed:    make(map[uuid.UUID]bool),
		tokens:     make(map[string]dispatch.ParkedToken),
	}
}

// Enqueue inserts a dispatch row unless a pending row with the same
// payload hash exists, in which case the stored row is returned.
func (s *Store) Enqueue(ctx context.Context, d *dispatch.PendingDispatch) (*dispatch.PendingDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		row := s.dispatches[id]
		if row.PayloadHash == d.PayloadHash && row.Status == dispatch.DispatchPending {
			out := row
			return &out, nil
		}
	}

	stored := *d
	if stored.Status == "" {
		stored.Status = dispatch.DispatchPending
	}
	s.dispatches[stored.ID] = stored
	s.order = append(s.order, stored.ID)

	out := stored
	return &out, nil
}

// Claim returns up to limit due pending rows, holding each until a Mark
// method settles the attempt. Rows held by a concurrent claim are
// skipped, never waited on.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*dispatch.PendingDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dispatch.PendingDispatch
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		row := s.dispatches[id]
		if row.Status != dispatch.DispatchPending || s.claimed[id] {
			continue
		}
		if !row.NextAttemptAt.IsZero() && row.NextAttemptAt.After(now) {
			continue
		}
		s.claimed[id] = true
		claimed := row
		out = append(out, &claimed)
	}
	return out, nil
}

// MarkDispatched transitions a pending row to dispatched.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dispatches[id]
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	delete(s.claimed, id)
	if row.Status != dispatch.DispatchPending {
		return nil
	}
	now := time.Now().UTC()
	row.Status = dispatch.DispatchDispatched
	row.LastAttemptedAt = now
	row.DispatchedAt = now
	s.dispatches[id] = row
	return nil
}

// MarkRetry records a failed attempt, leaving the row pending and due
// again at nextAttemptAt.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dispatches[id]
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	delete(s.claimed, id)
	if row.Status != dispatch.DispatchPending {
		return nil
	}
	row.Attempts = attempts
	row.LastError = lastError
	row.LastAttemptedAt = time.Now().UTC()
	row.NextAttemptAt = nextAttemptAt
	s.dispatches[id] = row
	return nil
}

// MarkFailedPermanent records a final failed attempt and dead-letters
// the row.
func (s *Store) MarkFailedPermanent(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dispatches[id]
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	delete(s.claimed, id)
	if row.Status != dispatch.DispatchPending {
		return nil
	}
	row.Status = dispatch.DispatchFailedPermanent
	row.Attempts = attempts
	row.LastError = lastError
	row.LastAttemptedAt = time.Now().UTC()
	s.dispatches[id] = row
	return nil
}

// DeadLetters lists permanently failed rows, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]*dispatch.PendingDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dispatch.PendingDispatch
	for _, id := range s.order {
		if row := s.dispatches[id]; row.Status == dispatch.DispatchFailedPermanent {
			dead := row
			out = append(out, &dead)
		}
	}
	return out, nil
}

// Dispatch returns an outbox row by ID.
func (s *Store) Dispatch(ctx context.Context, id uuid.UUID) (*dispatch.PendingDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dispatches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrDispatchNotFound, id)
	}
	out := row
	return &out, nil
}

// Create inserts a waiting token; an existing correlation key returns
// the stored token unchanged.
func (s *Store) Create(ctx context.Context, t *dispatch.ParkedToken) (*dispatch.ParkedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tokens[t.CorrelationKey]; ok {
		out := existing
		return &out, nil
	}

	stored := *t
	if stored.Status == "" {
		stored.Status = dispatch.TokenWaiting
	}
	s.tokens[stored.CorrelationKey] = stored

	out := stored
	return &out, nil
}

// Resolve transitions a waiting token to resolved. The boolean reports
// whether this call performed the transition.
func (s *Store) Resolve(ctx context.Context, correlationKey string, result json.RawMessage) (*dispatch.ParkedToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[correlationKey]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", dispatch.ErrTokenNotFound, correlationKey)
	}
	if tok.Status != dispatch.TokenWaiting {
		out := tok
		return &out, false, nil
	}

	tok.Status = dispatch.TokenResolved
	tok.Result = result
	tok.ResolvedAt = time.Now().UTC()
	s.tokens[correlationKey] = tok

	out := tok
	return &out, true, nil
}

// BindProcess records the backend process instance on a waiting token
// and reclassifies it as waiting on the completion message.
func (s *Store) BindProcess(ctx context.Context, correlationKey, processInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[correlationKey]
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrTokenNotFound, correlationKey)
	}
	if tok.Status != dispatch.TokenWaiting {
		return nil
	}
	tok.ProcessInstanceID = processInstanceID
	tok.Reason = runbook.ParkMessage
	s.tokens[correlationKey] = tok
	return nil
}

// CancelForRunbook settles every waiting token of a runbook as
// cancelled.
func (s *Store) CancelForRunbook(ctx context.Context, runbookID uuid.UUID) (int, error) {
	return s.settleForRunbook(runbookID, dispatch.TokenCancelled, nil), nil
}

// ResolveForRunbook settles every waiting token of a runbook as
// resolved with a shared result.
func (s *Store) ResolveForRunbook(ctx context.Context, runbookID uuid.UUID, result json.RawMessage) (int, error) {
	return s.settleForRunbook(runbookID, dispatch.TokenResolved, result), nil
}

func (s *Store) settleForRunbook(runbookID uuid.UUID, status dispatch.TokenStatus, result json.RawMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for key, tok := range s.tokens {
		if tok.RunbookID != runbookID || tok.Status != dispatch.TokenWaiting {
			continue
		}
		tok.Status = status
		tok.Result = result
		tok.ResolvedAt = now
		s.tokens[key] = tok
		count++
	}
	return count
}

// Get returns the token for a correlation key.
func (s *Store) Get(ctx context.Context, correlationKey string) (*dispatch.ParkedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[correlationKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrTokenNotFound, correlationKey)
	}
	out := tok
	return &out, nil
}

// OpenForRunbook lists a runbook's waiting tokens in step order.
func (s *Store) OpenForRunbook(ctx context.Context, runbookID uuid.UUID) ([]*dispatch.ParkedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dispatch.ParkedToken
	for _, tok := range s.tokens {
		if tok.RunbookID == runbookID && tok.Status == dispatch.TokenWaiting {
			open := tok
			out = append(out, &open)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}
