// Package policy decides whether a verb may be invoked by an actor in
// a given session mode. The oracle is consulted once per distinct verb
// during compilation; a denial stops the compile before anything is
// stored.
package policy

import (
	"context"
	"sync"
)

// Decision is the oracle's answer for one verb. Reason is set when the
// verb is denied and is surfaced to the caller verbatim.
type Decision struct {
	Allowed bool
	Reason  string
}

// Oracle answers permission checks. Implementations must be safe for
// concurrent use. An error means the oracle could not be consulted,
// which is distinct from a denial.
type Oracle interface {
	IsPermitted(ctx context.Context, verbFQN, actor, mode string) (Decision, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, verbFQN, actor, mode string) (Decision, error)

func (f Func) IsPermitted(ctx context.Context, verbFQN, actor, mode string) (Decision, error) {
	return f(ctx, verbFQN, actor, mode)
}

// AllowAll permits every verb for every actor. Useful as a default and
// in tests.
type AllowAll struct{}

func (AllowAll) IsPermitted(ctx context.Context, verbFQN, actor, mode string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Static is an in-memory oracle holding explicit deny rules. Anything
// not denied is allowed. An empty rule field matches any value.
type Static struct {
	mu    sync.RWMutex
	rules []denyRule
}

type denyRule struct {
	verb   string
	actor  string
	mode   string
	reason string
}

func NewStatic() *Static {
	return &Static{}
}

// Deny adds a deny rule. Empty verb, actor, or mode fields act as
// wildcards.
func (s *Static) Deny(verbFQN, actor, mode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, denyRule{verb: verbFQN, actor: actor, mode: mode, reason: reason})
}

func (s *Static) IsPermitted(ctx context.Context, verbFQN, actor, mode string) (Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.matches(verbFQN, actor, mode) {
			return Decision{Allowed: false, Reason: r.reason}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (r denyRule) matches(verbFQN, actor, mode string) bool {
	if r.verb != "" && r.verb != verbFQN {
		return false
	}
	if r.actor != "" && r.actor != actor {
		return false
	}
	if r.mode != "" && r.mode != mode {
		return false
	}
	return true
}
