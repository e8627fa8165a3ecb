package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lirancohen/mechane/runbook"
)

// dispatchPayload is the canonical request body sent to the process
// backend. Field order is fixed by the struct, map keys are sorted by
// the encoder, and argument values carry the exact bytes recorded in
// the plan and its history, so identical step state always hashes
// identically.
type dispatchPayload struct {
	RunbookID  string                     `json:"runbook_id"`
	StepIndex  int                        `json:"step_index"`
	Verb       string                     `json:"verb"`
	ProcessKey string                     `json:"process_key"`
	Args       map[string]json.RawMessage `json:"args,omitempty"`
}

// canonicalPayload builds the deterministic backend request for one
// materialized step.
func canonicalPayload(rb *runbook.Runbook, step runbook.Step, processKey string) (json.RawMessage, error) {
	b, err := json.Marshal(dispatchPayload{
		RunbookID:  rb.ID.String(),
		StepIndex:  step.Index,
		Verb:       step.Verb,
		ProcessKey: processKey,
		Args:       step.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload for %s: %w", step.Verb, err)
	}
	return b, nil
}

// payloadHash is the idempotency identity of a dispatch: the hex
// SHA-256 of the canonical payload.
func payloadHash(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
