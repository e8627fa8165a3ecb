// Package expand turns macro invocations into flat lists of primitive
// verb steps. Expansion walks macro templates iteratively with an
// explicit frame stack, enforcing depth and step limits. A macro that
// reappears in its own expansion chain is a cycle; reconverging on a
// macro through independent branches is allowed.
package expand

import (
	"encoding/json"
	"fmt"

	"github.com/lirancohen/mechane/verb"
)

// Default expansion limits applied when a Limits field is zero.
const (
	DefaultMaxDepth = 8
	DefaultMaxSteps = 500
)

// Limits bounds a single expansion. MaxDepth is the deepest macro
// nesting allowed, counting the top-level macro as depth 1. MaxSteps is
// the total number of primitive steps one expansion may produce.
type Limits struct {
	MaxDepth int
	MaxSteps int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxSteps <= 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	return l
}

// Step is one primitive verb call produced by expansion. Args hold the
// fully substituted argument values. Frames records the macro chain
// that produced the step, outermost first; it is empty for a direct
// primitive invocation.
type Step struct {
	Verb     string
	Args     map[string]json.RawMessage
	Produces string
	Frames   []string
}

// Audit records one macro frame of an expansion for provenance.
// Digests are truncated SHA-256 hashes of the frame's bound arguments
// and of the primitive steps it produced.
type Audit struct {
	Macro        string
	ArgsDigest   string
	OutputDigest string
	Depth        int
}

// Expander expands verb and macro invocations against a registry.
type Expander struct {
	registry *verb.Registry
	limits   Limits
}

// New creates an Expander. Zero limit fields fall back to the defaults.
func New(registry *verb.Registry, limits Limits) *Expander {
	return &Expander{registry: registry, limits: limits.withDefaults()}
}

// Expand resolves name against the registry and produces the primitive
// steps for it. A primitive verb yields a single step with the given
// args passed through untouched and no audits. A macro is expanded
// template by template, with ${arg.NAME} and ${scope.NAME} placeholders
// substituted from the bound arguments and the invocation scope.
func (x *Expander) Expand(name string, args, scope map[string]json.RawMessage) ([]Step, []Audit, error) {
	switch x.registry.Classify(name) {
	case verb.ClassPrimitive:
		return []Step{{Verb: name, Args: args}}, nil, nil
	case verb.ClassMacro:
		return x.expandMacro(name, args, scope)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
}

// frame is one live macro on the expansion stack.
type frame struct {
	macro    *verb.Macro
	args     map[string]json.RawMessage
	next     int // next template step to visit
	firstOut int // index into steps where this frame's output begins
	auditIdx int
}

func (x *Expander) expandMacro(name string, args, scope map[string]json.RawMessage) ([]Step, []Audit, error) {
	root, err := x.registry.Macro(name)
	if err != nil {
		return nil, nil, err
	}
	if err := checkRequiredArgs(root, args); err != nil {
		return nil, nil, err
	}

	var (
		steps  []Step
		audits []Audit
		stack  []frame
		path   []string
	)

	push := func(m *verb.Macro, bound map[string]json.RawMessage) {
		audits = append(audits, Audit{
			Macro:      m.FQN,
			ArgsDigest: digest(canonicalArgs(bound)),
			Depth:      len(stack) + 1,
		})
		stack = append(stack, frame{
			macro:    m,
			args:     bound,
			firstOut: len(steps),
			auditIdx: len(audits) - 1,
		})
		path = append(path, m.FQN)
	}
	push(root, args)

	for len(stack) > 0 {
		f := &stack[len(stack)-1]

		if f.next >= len(f.macro.Steps) {
			audits[f.auditIdx].OutputDigest = digest(canonicalSteps(steps[f.firstOut:]))
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		ts := f.macro.Steps[f.next]
		f.next++

		resolved, err := substituteArgs(ts.Args, f.args, scope)
		if err != nil {
			return nil, nil, err
		}

		switch x.registry.Classify(ts.Verb) {
		case verb.ClassPrimitive:
			if len(steps)+1 > x.limits.MaxSteps {
				return nil, nil, &StepsError{Steps: len(steps) + 1, Limit: x.limits.MaxSteps}
			}
			steps = append(steps, Step{
				Verb:     ts.Verb,
				Args:     resolved,
				Produces: ts.Produces,
				Frames:   append([]string(nil), path...),
			})

		case verb.ClassMacro:
			for i, seen := range path {
				if seen == ts.Verb {
					trail := append(append([]string(nil), path[i:]...), ts.Verb)
					return nil, nil, &CycleError{Trail: trail}
				}
			}
			if len(stack)+1 > x.limits.MaxDepth {
				return nil, nil, &DepthError{Depth: len(stack) + 1, Limit: x.limits.MaxDepth}
			}
			sub, err := x.registry.Macro(ts.Verb)
			if err != nil {
				return nil, nil, err
			}
			if err := checkRequiredArgs(sub, resolved); err != nil {
				return nil, nil, err
			}
			push(sub, resolved)

		default:
			return nil, nil, fmt.Errorf("%w: %s in macro %s", ErrUnknownName, ts.Verb, f.macro.FQN)
		}
	}

	return steps, audits, nil
}

func checkRequiredArgs(m *verb.Macro, args map[string]json.RawMessage) error {
	for _, spec := range m.Args {
		if !spec.Required {
			continue
		}
		if _, ok := args[spec.Name]; !ok {
			return &MissingArgError{Macro: m.FQN, Arg: spec.Name}
		}
	}
	return nil
}
