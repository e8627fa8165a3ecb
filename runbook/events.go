package runbook

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EventType classifies events in a runbook's execution history.
type EventType string

const (
	// EventStored records the initial persistence of a compiled plan.
	EventStored EventType = "runbook.stored"

	// EventStatusChanged records every lifecycle transition.
	EventStatusChanged EventType = "status.changed"

	// Step lifecycle events.
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepParked    EventType = "step.parked"
	EventStepSkipped   EventType = "step.skipped"

	// EventCancelled records an operator or system cancellation.
	EventCancelled EventType = "runbook.cancelled"
)

// Event is one entry in a runbook's append-only execution history.
// Events are the sole source of truth for execution progress: the
// stored plan never changes, only its history grows. Sequences are
// gapless and start at 1.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	RunbookID uuid.UUID       `json:"runbook_id"`
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	StepIndex int             `json:"step_index"` // -1 for runbook-level events
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StoredData is the payload for runbook.stored events.
type StoredData struct {
	Version   int64 `json:"version"`
	StepCount int   `json:"step_count"`
}

// StatusChangedData is the payload for status.changed events.
type StatusChangedData struct {
	From  Status `json:"from"`
	To    Status `json:"to"`
	Cause string `json:"cause,omitempty"`
}

// StepCompletedData is the payload for step.completed events.
type StepCompletedData struct {
	Verb   string          `json:"verb"`
	Output json.RawMessage `json:"output,omitempty"`
}

// StepFailedData is the payload for step.failed events.
type StepFailedData struct {
	Verb  string `json:"verb"`
	Error string `json:"error"`
}

// StepParkedData is the payload for step.parked events.
type StepParkedData struct {
	Verb           string     `json:"verb"`
	Reason         ParkReason `json:"reason"`
	CorrelationKey string     `json:"correlation_key"`
	ExpectedSignal string     `json:"expected_signal,omitempty"`
	ResumeAt       time.Time  `json:"resume_at,omitzero"`
}

// StepSkippedData is the payload for step.skipped events.
type StepSkippedData struct {
	Verb  string `json:"verb"`
	Cause string `json:"cause"`
}

// CancelledData is the payload for runbook.cancelled events.
type CancelledData struct {
	Cause          string `json:"cause"`
	TokensResolved int    `json:"tokens_resolved"`
}

// NewEvent builds an event with a marshaled payload. stepIndex is -1
// for runbook-level events.
func NewEvent(runbookID uuid.UUID, sequence int64, typ EventType, stepIndex int, data any) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s event data: %w", typ, err)
		}
		raw = b
	}
	return &Event{
		ID:        uuid.New(),
		RunbookID: runbookID,
		Sequence:  sequence,
		Type:      typ,
		StepIndex: stepIndex,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// StepState is the replayed outcome of one step.
type StepState string

const (
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepParked    StepState = "parked"
	StepSkipped   StepState = "skipped"
)

// StepRecord is the replayed per-step outcome history entry.
type StepRecord struct {
	Index  int
	Verb   string
	State  StepState
	Output json.RawMessage
	Error  string
	Cause  string
}

// ParkRecord is one outstanding park.
type ParkRecord struct {
	StepIndex      int
	Reason         ParkReason
	CorrelationKey string
	ExpectedSignal string
	ResumeAt       time.Time
}

// Progress is the execution cursor of a runbook, rebuilt from its event
// history. It is the only mutable view of a stored plan: resumption is
// "replay events, continue the loop at Cursor".
type Progress struct {
	RunbookID    uuid.UUID
	Status       Status
	Cause        string
	Cursor       int
	LastSequence int64
	Bindings     map[string]json.RawMessage

	records map[int]StepRecord
	parks   map[int]ParkRecord
}

// Replay folds an event history into a Progress. Events must be in
// sequence order, as loaded from a Store.
func Replay(rb *Runbook, events []*Event) (*Progress, error) {
	p := &Progress{
		RunbookID: rb.ID,
		Status:    StatusPending,
		Bindings:  make(map[string]json.RawMessage),
		records:   make(map[int]StepRecord),
		parks:     make(map[int]ParkRecord),
	}

	for _, e := range events {
		if e.RunbookID != rb.ID {
			return nil, fmt.Errorf("event %s belongs to runbook %s, not %s", e.ID, e.RunbookID, rb.ID)
		}
		if e.StepIndex >= len(rb.Steps) {
			return nil, fmt.Errorf("event %s references step %d but the plan has %d steps", e.ID, e.StepIndex, len(rb.Steps))
		}
		p.LastSequence = e.Sequence

		switch e.Type {
		case EventStored:
			// Plan persisted; status stays pending.

		case EventStatusChanged:
			var data StatusChangedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal status.changed: %w", err)
			}
			p.Status = data.To
			p.Cause = data.Cause

		case EventStepCompleted:
			var data StepCompletedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal step.completed: %w", err)
			}
			p.records[e.StepIndex] = StepRecord{
				Index:  e.StepIndex,
				Verb:   data.Verb,
				State:  StepCompleted,
				Output: data.Output,
			}
			delete(p.parks, e.StepIndex)
			p.advance(e.StepIndex)
			if prod := rb.Steps[e.StepIndex].Produces; prod != "" && data.Output != nil {
				p.Bindings[prod] = data.Output
			}

		case EventStepFailed:
			var data StepFailedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal step.failed: %w", err)
			}
			p.records[e.StepIndex] = StepRecord{
				Index: e.StepIndex,
				Verb:  data.Verb,
				State: StepFailed,
				Error: data.Error,
			}
			delete(p.parks, e.StepIndex)

		case EventStepParked:
			var data StepParkedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal step.parked: %w", err)
			}
			p.records[e.StepIndex] = StepRecord{
				Index: e.StepIndex,
				Verb:  data.Verb,
				State: StepParked,
			}
			p.parks[e.StepIndex] = ParkRecord{
				StepIndex:      e.StepIndex,
				Reason:         data.Reason,
				CorrelationKey: data.CorrelationKey,
				ExpectedSignal: data.ExpectedSignal,
				ResumeAt:       data.ResumeAt,
			}

		case EventStepSkipped:
			var data StepSkippedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal step.skipped: %w", err)
			}
			p.records[e.StepIndex] = StepRecord{
				Index: e.StepIndex,
				Verb:  data.Verb,
				State: StepSkipped,
				Cause: data.Cause,
			}
			delete(p.parks, e.StepIndex)
			p.advance(e.StepIndex)

		case EventCancelled:
			var data CancelledData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, fmt.Errorf("unmarshal runbook.cancelled: %w", err)
			}
			p.Cause = data.Cause

		default:
			return nil, fmt.Errorf("unknown event type %q at sequence %d", e.Type, e.Sequence)
		}
	}
	return p, nil
}

func (p *Progress) advance(completedIndex int) {
	if completedIndex >= p.Cursor {
		p.Cursor = completedIndex + 1
	}
}

// Step returns the replayed record for one step, if any event touched it.
func (p *Progress) Step(index int) (StepRecord, bool) {
	r, ok := p.records[index]
	return r, ok
}

// Steps returns every replayed step record in index order.
func (p *Progress) Steps() []StepRecord {
	out := make([]StepRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Park returns the outstanding park at a step index, if one is open.
func (p *Progress) Park(index int) (ParkRecord, bool) {
	r, ok := p.parks[index]
	return r, ok
}

// OpenParks returns the outstanding parks in step order.
func (p *Progress) OpenParks() []ParkRecord {
	out := make([]ParkRecord, 0, len(p.parks))
	for _, r := range p.parks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// ParkReasons returns the distinct reasons of outstanding parks, in
// step order.
func (p *Progress) ParkReasons() []ParkReason {
	var reasons []ParkReason
	seen := make(map[ParkReason]bool)
	for _, r := range p.OpenParks() {
		if !seen[r.Reason] {
			seen[r.Reason] = true
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
