package project

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/dispatch"
	"github.com/lirancohen/mechane/runbook"
)

// DeadLetter is one permanently failed dispatch, annotated for
// operator attention.
type DeadLetter struct {
	ID             uuid.UUID
	RunbookID      uuid.UUID
	StepIndex      int
	Verb           string
	ProcessKey     string
	CorrelationKey string
	Attempts       int
	LastError      string
	EnqueuedAt     time.Time
	LastAttemptAt  time.Time

	// Age is the time the row has sat in the outbox, relative to the
	// now passed to DeadLetterView.
	Age time.Duration
}

// DeadLetterReport summarizes the dead-letter queue.
type DeadLetterReport struct {
	Total   int
	ByVerb  map[string]int
	Entries []DeadLetter
}

// DeadLetterView projects permanently failed dispatch rows into a
// report, oldest first. Rows in any other status are ignored, so the
// caller may pass an unfiltered row set.
func DeadLetterView(rows []*dispatch.PendingDispatch, now time.Time) DeadLetterReport {
	report := DeadLetterReport{ByVerb: make(map[string]int)}
	for _, row := range rows {
		if row.Status != dispatch.DispatchFailedPermanent {
			continue
		}
		report.Total++
		report.ByVerb[row.Verb]++
		report.Entries = append(report.Entries, DeadLetter{
			ID:             row.ID,
			RunbookID:      row.RunbookID,
			StepIndex:      row.StepIndex,
			Verb:           row.Verb,
			ProcessKey:     row.ProcessKey,
			CorrelationKey: row.CorrelationKey,
			Attempts:       row.Attempts,
			LastError:      row.LastError,
			EnqueuedAt:     row.CreatedAt,
			LastAttemptAt:  row.LastAttemptedAt,
			Age:            now.Sub(row.CreatedAt),
		})
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].EnqueuedAt.Before(report.Entries[j].EnqueuedAt)
	})
	return report
}

// TokenSummary is one waiting token annotated with its owning plan.
type TokenSummary struct {
	RunbookID         uuid.UUID
	Version           int64
	StepIndex         int
	Verb              string
	Reason            runbook.ParkReason
	CorrelationKey    string
	ExpectedSignal    string
	ProcessInstanceID string
	WaitingSince      time.Time
}

// SessionInventory lists every signal a session is waiting on.
type SessionInventory struct {
	SessionID string
	Waiting   []TokenSummary
	ByReason  map[runbook.ParkReason]int
}

// TokenInventory projects the waiting tokens of one session's
// runbooks. Tokens owned by other sessions and tokens already settled
// are ignored. Verbs are resolved from the owning plan's steps.
// Results are ordered by runbook version, then step.
func TokenInventory(sessionID string, rbs []*runbook.Runbook, tokens []*dispatch.ParkedToken) SessionInventory {
	inv := SessionInventory{SessionID: sessionID, ByReason: make(map[runbook.ParkReason]int)}

	plans := make(map[uuid.UUID]*runbook.Runbook, len(rbs))
	for _, rb := range rbs {
		if rb.SessionID == sessionID {
			plans[rb.ID] = rb
		}
	}

	for _, t := range tokens {
		rb, ok := plans[t.RunbookID]
		if !ok || t.Status != dispatch.TokenWaiting {
			continue
		}
		summary := TokenSummary{
			RunbookID:         t.RunbookID,
			Version:           rb.Version,
			StepIndex:         t.StepIndex,
			Reason:            t.Reason,
			CorrelationKey:    t.CorrelationKey,
			ExpectedSignal:    t.ExpectedSignal,
			ProcessInstanceID: t.ProcessInstanceID,
			WaitingSince:      t.CreatedAt,
		}
		if t.StepIndex >= 0 && t.StepIndex < len(rb.Steps) {
			summary.Verb = rb.Steps[t.StepIndex].Verb
		}
		inv.Waiting = append(inv.Waiting, summary)
		inv.ByReason[t.Reason]++
	}

	sort.Slice(inv.Waiting, func(i, j int) bool {
		a, b := inv.Waiting[i], inv.Waiting[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		return a.CorrelationKey < b.CorrelationKey
	})
	return inv
}

// SessionLister is an optional PlanStore capability: listing every
// runbook compiled in a session, in version order. Callers type-assert
// rather than widening the core interface:
//
//	if lister, ok := plans.(project.SessionLister); ok {
//		rbs, err := lister.RunbooksForSession(ctx, sessionID)
//		...
//	}
type SessionLister interface {
	RunbooksForSession(ctx context.Context, sessionID string) ([]*runbook.Runbook, error)
}

// LoadSessionInventory reads the waiting tokens of every runbook in a
// session and projects them into an inventory. The plan store must
// implement SessionLister.
func LoadSessionInventory(ctx context.Context, plans runbook.PlanStore, tokens dispatch.TokenStore, sessionID string) (SessionInventory, error) {
	lister, ok := plans.(SessionLister)
	if !ok {
		return SessionInventory{}, fmt.Errorf("plan store %T cannot list runbooks by session", plans)
	}
	rbs, err := lister.RunbooksForSession(ctx, sessionID)
	if err != nil {
		return SessionInventory{}, fmt.Errorf("list session runbooks: %w", err)
	}

	var open []*dispatch.ParkedToken
	for _, rb := range rbs {
		ts, err := tokens.OpenForRunbook(ctx, rb.ID)
		if err != nil {
			return SessionInventory{}, fmt.Errorf("list tokens for runbook %s: %w", rb.ID, err)
		}
		open = append(open, ts...)
	}
	return TokenInventory(sessionID, rbs, open), nil
}
