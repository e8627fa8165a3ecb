// Package verb provides the read-only definition tables for primitive verbs
// and macros, looked up by fully-qualified name during compilation.
package verb

import (
	"errors"
	"fmt"
	"sync"
)

// ErrVerbNotFound is returned when a verb is not registered.
var ErrVerbNotFound = errors.New("verb not found")

// ErrMacroNotFound is returned when a macro is not registered.
var ErrMacroNotFound = errors.New("macro not found")

// Classification reports how an invocation name should be compiled.
type Classification int

const (
	// ClassUnknown means the name matches neither a verb nor a macro.
	ClassUnknown Classification = iota

	// ClassPrimitive means the name is a directly executable verb.
	ClassPrimitive

	// ClassMacro means the name is a macro that expands into verb calls.
	ClassMacro
)

// String returns a short name for the classification.
func (c Classification) String() string {
	switch c {
	case ClassPrimitive:
		return "primitive"
	case ClassMacro:
		return "macro"
	default:
		return "unknown"
	}
}

// Routing selects how a verb's step is executed.
type Routing int

const (
	// RouteDirect executes the step in-process through a registered
	// implementation and completes (or fails) synchronously.
	RouteDirect Routing = iota

	// RouteOrchestrated hands the step to the external process backend
	// and parks until the backend signals completion.
	RouteOrchestrated
)

// String returns a short name for the routing mode.
func (r Routing) String() string {
	if r == RouteOrchestrated {
		return "orchestrated"
	}
	return "direct"
}

// ArgSpec describes one named argument of a verb or macro.
type ArgSpec struct {
	// Name is the argument name as it appears in invocations.
	Name string

	// Required arguments must be present for compilation to proceed.
	// A missing required argument at the invocation surface produces a
	// clarification request rather than a hard error.
	Required bool

	// Reason explains why the argument is needed, surfaced in
	// clarification requests.
	Reason string

	// Suggestions are example values surfaced in clarification requests.
	Suggestions []string
}

// Spec describes one primitive verb.
type Spec struct {
	// FQN is the fully-qualified verb name, e.g. "cbu.create".
	FQN string

	// Args are the verb's declared arguments.
	Args []ArgSpec

	// EntityKind names the kind of entity the verb operates on
	// (e.g. "cbu"). Used by pack constraint checks and remediation.
	EntityKind string

	// Routing selects direct or orchestrated execution.
	Routing Routing

	// ProcessKey identifies the backend process definition for
	// orchestrated verbs. Empty for direct verbs.
	ProcessKey string
}

// Missing returns the required arguments absent from have, in declaration
// order.
func (s *Spec) Missing(have map[string]bool) []ArgSpec {
	return missingArgs(s.Args, have)
}

// missingArgs filters specs down to required args not present in have.
func missingArgs(specs []ArgSpec, have map[string]bool) []ArgSpec {
	var missing []ArgSpec
	for _, a := range specs {
		if a.Required && !have[a.Name] {
			missing = append(missing, a)
		}
	}
	return missing
}

// Registry stores verb and macro definitions for lookup during compilation.
// It is safe for concurrent use. The compiler and expander treat it as
// read-only; registration happens during process wiring.
type Registry struct {
	mu     sync.RWMutex
	verbs  map[string]*Spec
	macros map[string]*Macro
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		verbs:  make(map[string]*Spec),
		macros: make(map[string]*Macro),
	}
}

// RegisterVerb adds a verb definition, replacing any existing definition
// with the same FQN.
func (r *Registry) RegisterVerb(spec *Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.verbs[spec.FQN] = spec
}

// RegisterMacro adds a macro definition, replacing any existing definition
// with the same FQN.
func (r *Registry) RegisterMacro(m *Macro) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.macros[m.FQN] = m
}

// Verb retrieves a verb definition by FQN.
// Returns ErrVerbNotFound if the verb is not registered.
func (r *Registry) Verb(fqn string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.verbs[fqn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVerbNotFound, fqn)
	}
	return spec, nil
}

// Macro retrieves a macro definition by FQN.
// Returns ErrMacroNotFound if the macro is not registered.
func (r *Registry) Macro(fqn string) (*Macro, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.macros[fqn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMacroNotFound, fqn)
	}
	return m, nil
}

// Classify reports whether a name resolves to a macro, a primitive verb,
// or nothing. Macros shadow verbs with the same FQN.
func (r *Registry) Classify(fqn string) Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.macros[fqn]; ok {
		return ClassMacro
	}
	if _, ok := r.verbs[fqn]; ok {
		return ClassPrimitive
	}
	return ClassUnknown
}

// VerbNames returns the FQNs of all registered verbs.
func (r *Registry) VerbNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.verbs))
	for fqn := range r.verbs {
		names = append(names, fqn)
	}
	return names
}

// MacroNames returns the FQNs of all registered macros.
func (r *Registry) MacroNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.macros))
	for fqn := range r.macros {
		names = append(names, fqn)
	}
	return names
}

// VerbsForEntityKind returns the registered verbs operating on the given
// entity kind. Used by remediation to propose substitute verbs.
func (r *Registry) VerbsForEntityKind(kind string) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []*Spec
	for _, s := range r.verbs {
		if s.EntityKind == kind {
			specs = append(specs, s)
		}
	}
	return specs
}

// Count returns the number of registered verbs and macros.
func (r *Registry) Count() (verbs, macros int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.verbs), len(r.macros)
}
