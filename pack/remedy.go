package pack

import (
	"fmt"
	"sort"

	"github.com/lirancohen/mechane/verb"
)

// RemedyKind names the shapes of remediation a constraint violation
// can suggest. Remedies are advisory; acting on one is a human call.
type RemedyKind int

const (
	RemedyWidenScope RemedyKind = iota
	RemedySubstituteVerb
	RemedySuspendPack
)

func (k RemedyKind) String() string {
	switch k {
	case RemedyWidenScope:
		return "widen_scope"
	case RemedySubstituteVerb:
		return "substitute_verb"
	case RemedySuspendPack:
		return "suspend_pack"
	default:
		return "unknown"
	}
}

// Remedy is one scored remediation option. Higher scores rank first.
type Remedy struct {
	Kind        RemedyKind
	Description string
	Score       float64
	Pack        string
	Verb        string
	Replacement string
}

// Base scores per remedy kind. Widening is scaled by how much of the
// violation set the candidate pack actually covers.
const (
	widenScopeWeight = 0.9
	substituteScore  = 0.7
	suspendScore     = 0.5
)

// Remedies proposes remediation options for a set of violations,
// ranked by score descending. The catalog holds packs that could be
// activated; packs already contributing rules are never proposed for
// activation.
func Remedies(c *Constraints, violations []Violation, catalog []Pack, reg *verb.Registry) []Remedy {
	if len(violations) == 0 {
		return nil
	}
	var remedies []Remedy

	// Widening only helps allow-list misses; a forbid wins regardless
	// of how many packs allow the verb, so forbids count toward neither
	// side of the coverage ratio.
	active := make(map[string]bool)
	for _, r := range c.rules {
		active[r.Pack] = true
	}
	allowMisses := 0
	for _, v := range violations {
		if !v.Forbidden {
			allowMisses++
		}
	}
	for _, p := range catalog {
		if active[p.Name] {
			continue
		}
		covered := 0
		for _, v := range violations {
			if !v.Forbidden && packCovers(p, v.Verb) {
				covered++
			}
		}
		if covered == 0 {
			continue
		}
		coverage := float64(covered) / float64(allowMisses)
		remedies = append(remedies, Remedy{
			Kind:  RemedyWidenScope,
			Score: widenScopeWeight * coverage,
			Pack:  p.Name,
			Description: fmt.Sprintf("activate pack %q to widen the verb scope, covering %d of %d out-of-scope verbs",
				p.Name, covered, allowMisses),
		})
	}

	for _, v := range violations {
		spec, err := reg.Verb(v.Verb)
		if err != nil || spec.EntityKind == "" {
			continue
		}
		for _, alt := range reg.VerbsForEntityKind(spec.EntityKind) {
			if alt.FQN == v.Verb || !c.Permits(alt.FQN) {
				continue
			}
			remedies = append(remedies, Remedy{
				Kind:        RemedySubstituteVerb,
				Score:       substituteScore,
				Verb:        v.Verb,
				Replacement: alt.FQN,
				Description: fmt.Sprintf("substitute %s with %s, which acts on the same %s entity",
					v.Verb, alt.FQN, spec.EntityKind),
			})
		}
	}

	suspended := make(map[string]bool)
	for _, v := range violations {
		for _, src := range v.Sources {
			if suspended[src] {
				continue
			}
			suspended[src] = true
			remedies = append(remedies, Remedy{
				Kind:        RemedySuspendPack,
				Score:       suspendScore,
				Pack:        src,
				Description: fmt.Sprintf("suspend pack %q for this session", src),
			})
		}
	}

	sort.SliceStable(remedies, func(i, j int) bool {
		if remedies[i].Score != remedies[j].Score {
			return remedies[i].Score > remedies[j].Score
		}
		return remedies[i].Description < remedies[j].Description
	})
	return remedies
}

func packCovers(p Pack, verbFQN string) bool {
	for _, f := range p.ForbiddenVerbs {
		if f == verbFQN {
			return false
		}
	}
	for _, a := range p.AllowedVerbs {
		if a == verbFQN {
			return true
		}
	}
	return false
}
