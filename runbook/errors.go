package runbook

import (
	"errors"
	"fmt"
	"strings"
)

// Store errors shared by all Store implementations.
var (
	// ErrRunbookNotFound is returned when no runbook exists for an ID.
	ErrRunbookNotFound = errors.New("runbook not found")

	// ErrIntegrity is returned when a loaded runbook's content no
	// longer matches its recorded integrity hash.
	ErrIntegrity = errors.New("runbook integrity check failed")

	// ErrSequenceConflict is returned when an appended event's sequence
	// number is not the next in the runbook's history. Callers reload
	// the history and retry.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrDuplicateEvent is returned when an event with the same ID has
	// already been appended.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrWriteConflict is returned when a runbook's write set overlaps
	// entities locked by another executing runbook.
	ErrWriteConflict = errors.New("write set conflict")
)

// SequenceConflictError carries detail about a sequence collision.
type SequenceConflictError struct {
	RunbookID string
	Expected  int64
	Actual    int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("event sequence conflict: runbook %s expected sequence %d, got %d", e.RunbookID, e.Expected, e.Actual)
}

func (e *SequenceConflictError) Unwrap() error {
	return ErrSequenceConflict
}

// Phase names the compilation stage that produced a failure.
type Phase string

const (
	PhaseExpand   Phase = "expand"
	PhaseDag      Phase = "dag"
	PhasePackGate Phase = "pack_gate"
	PhasePolicy   Phase = "policy"
	PhaseStore    Phase = "store"
	PhaseInternal Phase = "internal"
)

// ErrorKind classifies a compilation failure. Exactly one kind is
// attached to each failed compile. Pack gate rejections are not kinds:
// they surface as a ConstraintViolation response, never as an error.
type ErrorKind string

const (
	KindExpansionFailed ErrorKind = "expansion_failed"
	KindCycleDetected   ErrorKind = "cycle_detected"
	KindLimitsExceeded  ErrorKind = "limits_exceeded"
	KindDagError        ErrorKind = "dag_error"
	KindSemRegDenied    ErrorKind = "semreg_denied"
	KindStoreFailed     ErrorKind = "store_failed"
	KindInternalError   ErrorKind = "internal_error"
)

// CompileError is a hard compilation failure. The whole compile aborts
// and nothing is persisted. Verb is set for policy denials, Trail for
// macro cycles.
type CompileError struct {
	Phase  Phase
	Kind   ErrorKind
	Reason string
	Verb   string
	Trail  []string
	cause  error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile failed in phase %s (%s): %s", e.Phase, e.Kind, e.Reason)
	if e.Verb != "" {
		fmt.Fprintf(&b, " (verb %s)", e.Verb)
	}
	if len(e.Trail) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Trail, " -> "))
	}
	return b.String()
}

func (e *CompileError) Unwrap() error {
	return e.cause
}

func compileError(phase Phase, kind ErrorKind, cause error, format string, args ...any) *CompileError {
	return &CompileError{
		Phase:  phase,
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
		cause:  cause,
	}
}
