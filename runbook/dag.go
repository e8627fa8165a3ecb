package runbook

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lirancohen/mechane/expand"
)

// DagError reports a binding resolution failure during DAG assembly.
type DagError struct {
	StepIndex int
	Verb      string
	Binding   string
	Reason    string
}

func (e *DagError) Error() string {
	return fmt.Sprintf("dag assembly failed at step %d (%s): binding %q: %s", e.StepIndex+1, e.Verb, e.Binding, e.Reason)
}

// Assemble resolves symbolic references in one forward pass over the
// expanded steps. A reference may name a binding produced by an earlier
// step, which stays symbolic until execution, or a session binding,
// which is substituted immediately. References may only point backward,
// so the resulting graph is acyclic by construction. Assembly fails on
// references to unknown bindings and on two steps producing the same
// binding name.
func Assemble(steps []expand.Step, session map[string]json.RawMessage) ([]Step, error) {
	producedAt := make(map[string]int)
	compiled := make([]Step, 0, len(steps))

	for i, es := range steps {
		cs := Step{
			Index:    i,
			Verb:     es.Verb,
			Produces: es.Produces,
			Frames:   es.Frames,
		}

		var uses map[string]struct{}
		if len(es.Args) > 0 {
			cs.Args = make(map[string]json.RawMessage, len(es.Args))
			for name, val := range es.Args {
				ref, ok := BindingRef(val)
				if !ok {
					cs.Args[name] = val
					continue
				}
				if _, fromStep := producedAt[ref]; fromStep {
					if uses == nil {
						uses = make(map[string]struct{})
					}
					uses[ref] = struct{}{}
					// Stays symbolic until the producing step runs.
					cs.Args[name] = val
					continue
				}
				if sv, fromSession := session[ref]; fromSession {
					cs.Args[name] = sv
					continue
				}
				return nil, &DagError{StepIndex: i, Verb: es.Verb, Binding: ref, Reason: "reference to unknown binding"}
			}
		}
		if len(uses) > 0 {
			cs.Uses = make([]string, 0, len(uses))
			for u := range uses {
				cs.Uses = append(cs.Uses, u)
			}
			sort.Strings(cs.Uses)
		}

		if es.Produces != "" {
			if prev, dup := producedAt[es.Produces]; dup {
				return nil, &DagError{
					StepIndex: i,
					Verb:      es.Verb,
					Binding:   es.Produces,
					Reason:    fmt.Sprintf("already produced by step %d", prev+1),
				}
			}
			if _, shadows := session[es.Produces]; shadows {
				return nil, &DagError{
					StepIndex: i,
					Verb:      es.Verb,
					Binding:   es.Produces,
					Reason:    "conflicts with a session binding",
				}
			}
			producedAt[es.Produces] = i
		}

		compiled = append(compiled, cs)
	}
	return compiled, nil
}

// Producers maps binding names to the index of the step producing them.
func Producers(steps []Step) map[string]int {
	out := make(map[string]int)
	for _, s := range steps {
		if s.Produces != "" {
			out[s.Produces] = s.Index
		}
	}
	return out
}
