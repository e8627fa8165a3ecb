package runbook_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lirancohen/mechane/expand"
	"github.com/lirancohen/mechane/runbook"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestAssembleResolvesSessionBindings(t *testing.T) {
	steps := []expand.Step{
		{Verb: "session.attach", Args: map[string]json.RawMessage{"cbu_id": raw(`"<cbu>"`)}},
	}
	session := map[string]json.RawMessage{"cbu": raw(`"9b2f6bd2-43e8-47a5-a4bc-9f6d175cbd12"`)}

	compiled, err := runbook.Assemble(steps, session)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if got := string(compiled[0].Args["cbu_id"]); got != `"9b2f6bd2-43e8-47a5-a4bc-9f6d175cbd12"` {
		t.Errorf("expected session value substituted, got %s", got)
	}
	if len(compiled[0].Uses) != 0 {
		t.Errorf("session bindings are not step dependencies, got uses %v", compiled[0].Uses)
	}
}

func TestAssembleKeepsStepRefsSymbolic(t *testing.T) {
	steps := []expand.Step{
		{Verb: "cbu.create", Args: map[string]json.RawMessage{"name": raw(`"Acme"`)}, Produces: "cbu_id"},
		{Verb: "session.attach", Args: map[string]json.RawMessage{"cbu_id": raw(`"<cbu_id>"`)}},
	}

	compiled, err := runbook.Assemble(steps, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if compiled[0].Index != 0 || compiled[1].Index != 1 {
		t.Errorf("expected indexes assigned in order, got %d and %d", compiled[0].Index, compiled[1].Index)
	}
	if got := string(compiled[1].Args["cbu_id"]); got != `"<cbu_id>"` {
		t.Errorf("expected step ref to stay symbolic, got %s", got)
	}
	if len(compiled[1].Uses) != 1 || compiled[1].Uses[0] != "cbu_id" {
		t.Errorf("expected uses [cbu_id], got %v", compiled[1].Uses)
	}

	producers := runbook.Producers(compiled)
	if producers["cbu_id"] != 0 {
		t.Errorf("expected cbu_id produced by step 0, got %d", producers["cbu_id"])
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name    string
		steps   []expand.Step
		session map[string]json.RawMessage
		binding string
	}{
		{
			name: "unknown binding",
			steps: []expand.Step{
				{Verb: "session.attach", Args: map[string]json.RawMessage{"cbu_id": raw(`"<ghost>"`)}},
			},
			binding: "ghost",
		},
		{
			name: "forward reference",
			steps: []expand.Step{
				{Verb: "session.attach", Args: map[string]json.RawMessage{"cbu_id": raw(`"<cbu_id>"`)}},
				{Verb: "cbu.create", Args: map[string]json.RawMessage{"name": raw(`"Acme"`)}, Produces: "cbu_id"},
			},
			binding: "cbu_id",
		},
		{
			name: "duplicate produces",
			steps: []expand.Step{
				{Verb: "cbu.create", Produces: "cbu_id"},
				{Verb: "cbu.create", Produces: "cbu_id"},
			},
			binding: "cbu_id",
		},
		{
			name: "produces shadows session binding",
			steps: []expand.Step{
				{Verb: "cbu.create", Produces: "cbu"},
			},
			session: map[string]json.RawMessage{"cbu": raw(`"x"`)},
			binding: "cbu",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runbook.Assemble(tt.steps, tt.session)
			var dagErr *runbook.DagError
			if !errors.As(err, &dagErr) {
				t.Fatalf("expected *DagError, got %v", err)
			}
			if dagErr.Binding != tt.binding {
				t.Errorf("expected binding %q, got %q", tt.binding, dagErr.Binding)
			}
		})
	}
}

func TestBindingRef(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		ok   bool
	}{
		{raw: `"<cbu_id>"`, name: "cbu_id", ok: true},
		{raw: `"plain"`, ok: false},
		{raw: `"<with space>"`, ok: false},
		{raw: `"<>"`, ok: false},
		{raw: `42`, ok: false},
		{raw: `"<a><b>"`, ok: false},
	}
	for _, tt := range tests {
		name, ok := runbook.BindingRef(raw(tt.raw))
		if ok != tt.ok || name != tt.name {
			t.Errorf("BindingRef(%s) = (%q, %v), want (%q, %v)", tt.raw, name, ok, tt.name, tt.ok)
		}
	}
}
