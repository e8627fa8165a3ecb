// Package memory provides an in-memory implementation of runbook.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/runbook"
)

// Store is a thread-safe in-memory implementation of runbook.Store.
type Store struct {
	mu       sync.RWMutex
	plans    map[uuid.UUID]runbook.Runbook
	versions map[string]int64 // sessionID -> last assigned version
	events   map[uuid.UUID][]runbook.Event
	ids      map[uuid.UUID]struct{} // all event IDs, for duplicate detection
	locks    map[string]uuid.UUID   // entity -> holding runbook
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		plans:    make(map[uuid.UUID]runbook.Runbook),
		versions: make(map[string]int64),
		events:   make(map[uuid.UUID][]runbook.Event),
		ids:      make(map[uuid.UUID]struct{}),
		locks:    make(map[string]uuid.UUID),
	}
}

// Insert persists a runbook under the next version for its session and
// records the runbook.stored event in the same critical section.
// Re-inserting an existing content ID returns the stored row unchanged.
func (s *Store) Insert(ctx context.Context, rb *runbook.Runbook) (*runbook.Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.plans[rb.ID]; ok {
		out := existing
		return &out, nil
	}

	stored := *rb
	stored.Version = s.versions[rb.SessionID] + 1

	ev, err := runbook.NewEvent(stored.ID, int64(len(s.events[stored.ID]))+1, runbook.EventStored, -1, runbook.StoredData{
		Version:   stored.Version,
		StepCount: len(stored.Steps),
	})
	if err != nil {
		return nil, err
	}
	if err := s.appendLocked(*ev); err != nil {
		return nil, err
	}

	s.plans[stored.ID] = stored
	s.versions[rb.SessionID] = stored.Version

	out := stored
	return &out, nil
}

// Get loads a runbook by ID and verifies its integrity hash.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runbook.ErrRunbookNotFound, id)
	}
	out := stored
	if err := out.Verify(); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunbooksForSession returns every runbook compiled in a session, in
// version order.
func (s *Store) RunbooksForSession(ctx context.Context, sessionID string) ([]*runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*runbook.Runbook
	for _, stored := range s.plans {
		if stored.SessionID == sessionID {
			rb := stored
			out = append(out, &rb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Append adds a single event to the store.
// Returns ErrSequenceConflict if the sequence is not the next in the
// runbook's history, ErrDuplicateEvent on a reused event ID.
func (s *Store) Append(ctx context.Context, e *runbook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(*e)
}

// appendLocked adds an event without acquiring the lock.
// Caller must hold s.mu.
func (s *Store) appendLocked(e runbook.Event) error {
	if _, exists := s.ids[e.ID]; exists {
		return runbook.ErrDuplicateEvent
	}

	history := s.events[e.RunbookID]
	expected := int64(len(history)) + 1
	if e.Sequence != expected {
		return &runbook.SequenceConflictError{
			RunbookID: e.RunbookID.String(),
			Expected:  expected,
			Actual:    e.Sequence,
		}
	}

	s.events[e.RunbookID] = append(history, e)
	s.ids[e.ID] = struct{}{}
	return nil
}

// AppendBatch adds multiple events atomically. All events are validated
// before any are appended (all-or-nothing).
func (s *Store) AppendBatch(ctx context.Context, events []*runbook.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newIDs := make(map[uuid.UUID]struct{}, len(events))
	sequences := make(map[uuid.UUID]int64)
	for id, history := range s.events {
		sequences[id] = int64(len(history))
	}

	for _, e := range events {
		if _, exists := s.ids[e.ID]; exists {
			return runbook.ErrDuplicateEvent
		}
		if _, exists := newIDs[e.ID]; exists {
			return runbook.ErrDuplicateEvent
		}
		newIDs[e.ID] = struct{}{}

		expected := sequences[e.RunbookID] + 1
		if e.Sequence != expected {
			return &runbook.SequenceConflictError{
				RunbookID: e.RunbookID.String(),
				Expected:  expected,
				Actual:    e.Sequence,
			}
		}
		sequences[e.RunbookID] = e.Sequence
	}

	for _, e := range events {
		s.events[e.RunbookID] = append(s.events[e.RunbookID], *e)
		s.ids[e.ID] = struct{}{}
	}
	return nil
}

// Load returns all events for a runbook in sequence order.
func (s *Store) Load(ctx context.Context, runbookID uuid.UUID) ([]*runbook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[runbookID]
	out := make([]*runbook.Event, len(history))
	for i := range history {
		e := history[i]
		out[i] = &e
	}
	return out, nil
}

// LoadSince returns events with sequence greater than afterSequence.
func (s *Store) LoadSince(ctx context.Context, runbookID uuid.UUID, afterSequence int64) ([]*runbook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[runbookID]
	var out []*runbook.Event
	for i := range history {
		if history[i].Sequence > afterSequence {
			e := history[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// LastSequence returns the highest sequence for a runbook, or 0.
func (s *Store) LastSequence(ctx context.Context, runbookID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[runbookID])), nil
}

// AcquireWriteSet locks the given entities for a runbook. All entities
// are validated before any are locked (all-or-nothing).
func (s *Store) AcquireWriteSet(ctx context.Context, runbookID uuid.UUID, entities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entity := range entities {
		if holder, held := s.locks[entity]; held && holder != runbookID {
			return fmt.Errorf("%w: entity %s held by runbook %s", runbook.ErrWriteConflict, entity, holder)
		}
	}
	for _, entity := range entities {
		s.locks[entity] = runbookID
	}
	return nil
}

// ReleaseWriteSet releases every entity held by the runbook.
func (s *Store) ReleaseWriteSet(ctx context.Context, runbookID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entity, holder := range s.locks {
		if holder == runbookID {
			delete(s.locks, entity)
		}
	}
	return nil
}
