// Package runbook compiles resolved verb and macro invocations into
// immutable, versioned execution plans and executes them step by step.
// Compilation runs macro expansion, binding resolution, the pack
// constraint gate, and the policy gate before storing the plan; nothing
// is persisted when any phase fails. Execution walks the stored plan in
// order, parking on steps that wait for external signals and resuming
// from durable state, never from an in-memory suspended task.
package runbook

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lirancohen/mechane/pack"
)

// Logger defines the logging interface for the compiler and executor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// Invocation is one resolved verb or macro call: a fully-qualified name
// plus bound arguments. Argument values are JSON; a string of the form
// "<name>" is a symbolic reference to a step output or session binding.
// Invocations are inputs only and are never persisted directly.
type Invocation struct {
	Name string
	Args map[string]json.RawMessage
}

// Session scopes a compilation. Versions are assigned per session,
// bindings seed symbolic references, and the active packs plus actor
// and mode feed the constraint and policy gates. Packs is an immutable
// snapshot taken by the caller; the gates never read ambient state.
type Session struct {
	ID       string
	Actor    string
	Mode     string
	Bindings map[string]json.RawMessage
	Packs    []pack.Pack
}

// Status is the lifecycle state of a runbook, derived from its event
// history rather than stored as a mutable column.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusParked    Status = "parked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further execution is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParkReason classifies why a step suspended.
type ParkReason string

const (
	ParkTimer            ParkReason = "waiting_on_timer"
	ParkMessage          ParkReason = "waiting_on_message"
	ParkHumanTask        ParkReason = "waiting_on_human_task"
	ParkExternalDispatch ParkReason = "waiting_on_external_dispatch"
)

// Step is one node of a compiled plan. Args are fully resolved except
// for references to earlier step outputs, which stay symbolic until the
// producing step runs. Uses lists those references; Produces names the
// binding this step contributes. Frames records the macro chain that
// produced the step, outermost first. Steps never change once compiled.
type Step struct {
	Index    int                        `json:"index"`
	Verb     string                     `json:"verb"`
	Args     map[string]json.RawMessage `json:"args,omitempty"`
	Produces string                     `json:"produces,omitempty"`
	Uses     []string                   `json:"uses,omitempty"`
	Frames   []string                   `json:"frames,omitempty"`
}

// Envelope is the deterministic, order-independent set of entity
// identifiers referenced anywhere in a plan. Two compilations of the
// same inputs must produce equal envelopes.
type Envelope struct {
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// WriteSet lists what a plan may touch: concrete entity identifiers
// appearing in step arguments and the binding names steps produce.
// It is bookkeeping for conflict detection and never blocks compilation.
type WriteSet struct {
	Entities []string `json:"entities,omitempty"`
	Bindings []string `json:"bindings,omitempty"`
}

// ExpansionAudit records one macro frame of the expansion that built a
// plan, for provenance.
type ExpansionAudit struct {
	Macro        string `json:"macro"`
	ArgsDigest   string `json:"args_digest"`
	OutputDigest string `json:"output_digest"`
	Depth        int    `json:"depth"`
}

// Runbook is an immutable compiled plan. ID is content-addressed over
// the canonical steps and envelope, so recompiling identical inputs
// yields the same ID. Version is assigned by the store, monotonically
// per session. The row is never mutated after insert; only the event
// history associated with it grows.
type Runbook struct {
	ID            uuid.UUID        `json:"id"`
	SessionID     string           `json:"session_id"`
	Version       int64            `json:"version"`
	Invocation    string           `json:"invocation"`
	Steps         []Step           `json:"steps"`
	Envelope      Envelope         `json:"envelope"`
	WriteSet      WriteSet         `json:"write_set"`
	Audits        []ExpansionAudit `json:"audits,omitempty"`
	IntegrityHash string           `json:"integrity_hash"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Preview renders up to limit steps as human-readable lines for the
// compile response.
func (r *Runbook) Preview(limit int) []string {
	if limit <= 0 || limit > len(r.Steps) {
		limit = len(r.Steps)
	}
	lines := make([]string, 0, limit)
	for _, s := range r.Steps[:limit] {
		lines = append(lines, s.describe())
	}
	return lines
}

func (s Step) describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. %s", s.Index+1, s.Verb)
	for _, k := range sortedKeys(s.Args) {
		fmt.Fprintf(&b, " %s=%s", k, renderValue(s.Args[k]))
	}
	if s.Produces != "" {
		fmt.Fprintf(&b, " -> <%s>", s.Produces)
	}
	return b.String()
}

func renderValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// BindingRef reports whether a JSON value is a symbolic reference of
// the form "<name>" and returns the referenced name.
func BindingRef(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if len(s) < 3 || s[0] != '<' || s[len(s)-1] != '>' {
		return "", false
	}
	name := s[1 : len(s)-1]
	if strings.ContainsAny(name, "<> ") {
		return "", false
	}
	return name, true
}

// CorrelationKey builds the stable identifier that matches an external
// signal back to a waiting step.
func CorrelationKey(runbookID uuid.UUID, stepIndex int, suffix string) string {
	return fmt.Sprintf("%s:%d:%s", runbookID, stepIndex, suffix)
}

// ParseCorrelationKey splits a correlation key back into its runbook
// identity, step index, and suffix.
func ParseCorrelationKey(key string) (uuid.UUID, int, string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return uuid.Nil, 0, "", fmt.Errorf("malformed correlation key %q", key)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, 0, "", fmt.Errorf("malformed correlation key %q: %w", key, err)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return uuid.Nil, 0, "", fmt.Errorf("malformed correlation key %q: bad step index", key)
	}
	return id, idx, parts[2], nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
