// Package pack models verb packs and the constraint algebra that gates
// which verbs a session may compile. Packs contribute allow lists and
// forbid lists; the effective constraints intersect the allow lists,
// union the forbid lists, and let a forbid win over any allow.
package pack

import "sort"

// Pack is a named bundle of verb constraints activated on a session.
// A nil AllowedVerbs leaves the allowed verb set unconstrained by this
// pack; an empty non-nil slice allows nothing. EntityKinds works the
// same way for the kinds of entity a verb may act on.
type Pack struct {
	Name           string
	AllowedVerbs   []string
	ForbiddenVerbs []string
	EntityKinds    []string
}

// RuleKind distinguishes the constraint contributions a pack makes.
type RuleKind int

const (
	RuleAllow RuleKind = iota
	RuleForbid
	RuleAllowKinds
)

func (k RuleKind) String() string {
	switch k {
	case RuleAllow:
		return "allow"
	case RuleForbid:
		return "forbid"
	case RuleAllowKinds:
		return "allow_kinds"
	default:
		return "unknown"
	}
}

// Rule is one constraint in force, attributed to the pack that set it.
// Values holds verb names for allow and forbid rules, entity kinds for
// allow_kinds rules.
type Rule struct {
	Pack   string
	Kind   RuleKind
	Values []string
}

// Violation reports one verb a compilation used that the effective
// constraints reject. Sources name the packs whose rules reject it.
type Violation struct {
	Verb      string
	Forbidden bool
	Sources   []string
}

// Constraints is the effective constraint set computed from the active
// packs of a session.
type Constraints struct {
	allowed    map[string]struct{}
	allowPacks []string
	forbidden  map[string][]string
	kinds      map[string]struct{}
	kindPacks  []string
	rules      []Rule
}

// Effective folds the active packs into one constraint set.
func Effective(packs []Pack) *Constraints {
	c := &Constraints{
		forbidden: make(map[string][]string),
	}
	for _, p := range packs {
		if p.AllowedVerbs != nil {
			c.allowPacks = append(c.allowPacks, p.Name)
			c.rules = append(c.rules, Rule{Pack: p.Name, Kind: RuleAllow, Values: sorted(p.AllowedVerbs)})
			c.allowed = intersect(c.allowed, p.AllowedVerbs)
		}
		if len(p.ForbiddenVerbs) > 0 {
			c.rules = append(c.rules, Rule{Pack: p.Name, Kind: RuleForbid, Values: sorted(p.ForbiddenVerbs)})
			for _, v := range p.ForbiddenVerbs {
				c.forbidden[v] = append(c.forbidden[v], p.Name)
			}
		}
		if p.EntityKinds != nil {
			c.kindPacks = append(c.kindPacks, p.Name)
			c.rules = append(c.rules, Rule{Pack: p.Name, Kind: RuleAllowKinds, Values: sorted(p.EntityKinds)})
			c.kinds = intersect(c.kinds, p.EntityKinds)
		}
	}
	return c
}

func intersect(current map[string]struct{}, values []string) map[string]struct{} {
	if current == nil {
		out := make(map[string]struct{}, len(values))
		for _, v := range values {
			out[v] = struct{}{}
		}
		return out
	}
	next := make(map[string]struct{})
	for _, v := range values {
		if _, ok := current[v]; ok {
			next[v] = struct{}{}
		}
	}
	return next
}

// Unconstrained reports whether no pack contributed any rule.
func (c *Constraints) Unconstrained() bool {
	return c.allowed == nil && len(c.forbidden) == 0 && c.kinds == nil
}

// Permits reports whether a single verb passes the effective
// constraints. A forbid always wins over an allow.
func (c *Constraints) Permits(verb string) bool {
	if _, ok := c.forbidden[verb]; ok {
		return false
	}
	if c.allowed != nil {
		if _, ok := c.allowed[verb]; !ok {
			return false
		}
	}
	return true
}

// Check gates a list of step verbs and returns one violation per
// distinct rejected verb, in first-use order.
func (c *Constraints) Check(verbs []string) []Violation {
	var violations []Violation
	seen := make(map[string]bool)
	for _, v := range verbs {
		if seen[v] || c.Permits(v) {
			continue
		}
		seen[v] = true
		if packs, ok := c.forbidden[v]; ok {
			violations = append(violations, Violation{
				Verb:      v,
				Forbidden: true,
				Sources:   sorted(packs),
			})
			continue
		}
		violations = append(violations, Violation{
			Verb:    v,
			Sources: sorted(c.allowPacks),
		})
	}
	return violations
}

// PermitsKind reports whether an entity kind passes the effective kind
// constraints.
func (c *Constraints) PermitsKind(kind string) bool {
	if c.kinds == nil {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

// CheckKinds gates verbs by the entity kind they act on. kinds maps
// each verb to its entity kind; verbs with no known kind are skipped.
func (c *Constraints) CheckKinds(verbs []string, kinds map[string]string) []Violation {
	if c.kinds == nil {
		return nil
	}
	var violations []Violation
	seen := make(map[string]bool)
	for _, v := range verbs {
		if seen[v] {
			continue
		}
		seen[v] = true
		k := kinds[v]
		if k == "" || c.PermitsKind(k) {
			continue
		}
		violations = append(violations, Violation{Verb: v, Sources: sorted(c.kindPacks)})
	}
	return violations
}

// Rules returns every constraint in force, in pack activation order.
func (c *Constraints) Rules() []Rule {
	return c.rules
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
