// Package project derives operator-facing views from runbook event
// histories and dispatch state.
//
// All projection functions are pure: they fold already-loaded rows into
// derived structures without performing writes. Unlike Replay, which
// rejects a malformed history outright, projections are best-effort. A
// payload that fails to decode degrades to a sparse entry instead of an
// error, so a dashboard can always render something.
//
// Store-backed helpers live alongside the pure functions and are
// limited to reads. Optional capabilities such as SessionLister keep
// the core store interfaces small, following Rob Pike's principle:
// "The bigger the interface, the weaker the abstraction."
package project

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/runbook"
)

// StatusResult is the projected state of one runbook.
type StatusResult struct {
	RunbookID      uuid.UUID
	Version        int64
	Status         runbook.Status
	Cause          string
	StepsTotal     int
	StepsCompleted int

	StoredAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64

	// OpenParks lists the outstanding parks of a parked runbook, in
	// step order. Nil for runbooks with nothing outstanding.
	OpenParks []runbook.ParkRecord
}

// RunbookStatus projects the current status from a runbook's event
// history. An empty history yields pending. DurationMs spans first
// execution to the terminal transition; a runbook terminated before it
// ever started is measured from its stored timestamp instead.
func RunbookStatus(events []*runbook.Event) StatusResult {
	result := StatusResult{Status: runbook.StatusPending}
	if len(events) == 0 {
		return result
	}
	result.RunbookID = events[0].RunbookID

	parks := make(map[int]runbook.ParkRecord)
	for _, e := range events {
		switch e.Type {
		case runbook.EventStored:
			var data runbook.StoredData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.Version = data.Version
				result.StepsTotal = data.StepCount
			}
			ts := e.Timestamp
			result.StoredAt = &ts

		case runbook.EventStatusChanged:
			var data runbook.StatusChangedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				continue
			}
			result.Status = data.To
			result.Cause = data.Cause
			ts := e.Timestamp
			if data.To == runbook.StatusExecuting && result.StartedAt == nil {
				result.StartedAt = &ts
			}
			if data.To.IsTerminal() {
				result.CompletedAt = &ts
				start := result.StartedAt
				if start == nil {
					start = result.StoredAt
				}
				result.DurationMs = calcDuration(start, &ts)
			}

		case runbook.EventStepCompleted:
			result.StepsCompleted++
			delete(parks, e.StepIndex)

		case runbook.EventStepFailed, runbook.EventStepSkipped:
			delete(parks, e.StepIndex)

		case runbook.EventStepParked:
			var data runbook.StepParkedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				continue
			}
			parks[e.StepIndex] = runbook.ParkRecord{
				StepIndex:      e.StepIndex,
				Reason:         data.Reason,
				CorrelationKey: data.CorrelationKey,
				ExpectedSignal: data.ExpectedSignal,
				ResumeAt:       data.ResumeAt,
			}
		}
	}

	if len(parks) > 0 {
		open := make([]runbook.ParkRecord, 0, len(parks))
		for _, p := range parks {
			open = append(open, p)
		}
		sort.Slice(open, func(i, j int) bool { return open[i].StepIndex < open[j].StepIndex })
		result.OpenParks = open
	}
	return result
}

func calcDuration(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}

// StepOutcome is the projected outcome of one step, with the
// timestamps Replay discards.
type StepOutcome struct {
	Index int
	Verb  string
	State runbook.StepState

	// ParkedAt is set when the step parked before settling.
	ParkedAt *time.Time

	// SettledAt is nil while the step is still parked.
	SettledAt *time.Time

	// WaitedMs is the park duration, for steps that parked and later
	// settled.
	WaitedMs *int64

	Error string
	Cause string
}

// StepOutcomes projects per-step outcomes from a runbook's event
// history, in step order.
func StepOutcomes(events []*runbook.Event) []StepOutcome {
	byIndex := make(map[int]*StepOutcome)

	for _, e := range events {
		if e.StepIndex < 0 {
			continue
		}
		switch e.Type {
		case runbook.EventStepCompleted:
			var data runbook.StepCompletedData
			_ = json.Unmarshal(e.Data, &data)
			settle(outcomeAt(byIndex, e.StepIndex, data.Verb), e.Timestamp, runbook.StepCompleted)

		case runbook.EventStepFailed:
			var data runbook.StepFailedData
			_ = json.Unmarshal(e.Data, &data)
			o := outcomeAt(byIndex, e.StepIndex, data.Verb)
			o.Error = data.Error
			settle(o, e.Timestamp, runbook.StepFailed)

		case runbook.EventStepParked:
			var data runbook.StepParkedData
			_ = json.Unmarshal(e.Data, &data)
			o := outcomeAt(byIndex, e.StepIndex, data.Verb)
			o.State = runbook.StepParked
			ts := e.Timestamp
			o.ParkedAt = &ts
			o.SettledAt = nil

		case runbook.EventStepSkipped:
			var data runbook.StepSkippedData
			_ = json.Unmarshal(e.Data, &data)
			o := outcomeAt(byIndex, e.StepIndex, data.Verb)
			o.Cause = data.Cause
			settle(o, e.Timestamp, runbook.StepSkipped)
		}
	}

	out := make([]StepOutcome, 0, len(byIndex))
	for _, o := range byIndex {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func outcomeAt(byIndex map[int]*StepOutcome, index int, verb string) *StepOutcome {
	o, ok := byIndex[index]
	if !ok {
		o = &StepOutcome{Index: index}
		byIndex[index] = o
	}
	if verb != "" {
		o.Verb = verb
	}
	return o
}

func settle(o *StepOutcome, at time.Time, state runbook.StepState) {
	o.State = state
	ts := at
	o.SettledAt = &ts
	if o.ParkedAt != nil {
		o.WaitedMs = calcDuration(o.ParkedAt, &ts)
	}
}

// TimelineEntry is one event in the runbook timeline, rendered for
// chronological operator display.
type TimelineEntry struct {
	Sequence  int64
	Timestamp time.Time
	Type      runbook.EventType
	StepIndex int // -1 for runbook-level entries
	Verb      string
	Message   string
	Error     string
}

// Timeline projects an event history into chronological entries with
// human-readable messages. Step numbers in messages are 1-based,
// matching the compile preview. Unknown event types are omitted rather
// than failing the view.
func Timeline(events []*runbook.Event) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(events))
	for _, e := range events {
		entry := TimelineEntry{
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			Type:      e.Type,
			StepIndex: e.StepIndex,
		}

		switch e.Type {
		case runbook.EventStored:
			var data runbook.StoredData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = fmt.Sprintf("Runbook stored (version %d, %d steps)", data.Version, data.StepCount)

		case runbook.EventStatusChanged:
			var data runbook.StatusChangedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Status changed to " + string(data.To)
			if data.Cause != "" {
				entry.Message += ": " + data.Cause
			}

		case runbook.EventStepCompleted:
			var data runbook.StepCompletedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Verb = data.Verb
			entry.Message = fmt.Sprintf("Step %d %s completed", e.StepIndex+1, data.Verb)

		case runbook.EventStepFailed:
			var data runbook.StepFailedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Verb = data.Verb
			entry.Error = data.Error
			entry.Message = fmt.Sprintf("Step %d %s failed", e.StepIndex+1, data.Verb)
			if data.Error != "" {
				entry.Message += ": " + data.Error
			}

		case runbook.EventStepParked:
			var data runbook.StepParkedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Verb = data.Verb
			entry.Message = parkMessage(e.StepIndex, data)

		case runbook.EventStepSkipped:
			var data runbook.StepSkippedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Verb = data.Verb
			entry.Message = fmt.Sprintf("Step %d %s skipped", e.StepIndex+1, data.Verb)
			if data.Cause != "" {
				entry.Message += ": " + data.Cause
			}

		case runbook.EventCancelled:
			var data runbook.CancelledData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Runbook cancelled"
			if data.Cause != "" {
				entry.Message += ": " + data.Cause
			}

		default:
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func parkMessage(stepIndex int, data runbook.StepParkedData) string {
	switch {
	case data.Reason == runbook.ParkTimer && !data.ResumeAt.IsZero():
		return fmt.Sprintf("Step %d %s parked until %s", stepIndex+1, data.Verb, data.ResumeAt.UTC().Format(time.RFC3339))
	case data.ExpectedSignal != "":
		return fmt.Sprintf("Step %d %s parked awaiting %s", stepIndex+1, data.Verb, data.ExpectedSignal)
	default:
		return fmt.Sprintf("Step %d %s parked (%s)", stepIndex+1, data.Verb, data.Reason)
	}
}

// RenderTimeline renders timeline entries as fixed-width text lines,
// oldest first. Timestamps are normalized to UTC.
func RenderTimeline(entries []TimelineEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%4d  %s  %s\n", e.Sequence, e.Timestamp.UTC().Format("2006-01-02 15:04:05"), e.Message)
	}
	return b.String()
}
