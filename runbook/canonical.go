package runbook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// canonicalBytes renders the identity-bearing parts of a plan: the
// ordered steps with sorted argument keys, then the envelope's sorted
// entity set. Timestamps, versions, and audits never participate, so
// recompiling the same inputs always canonicalizes identically.
func canonicalBytes(steps []Step, env Envelope) []byte {
	var b bytes.Buffer
	for _, s := range steps {
		b.WriteString(s.Verb)
		b.WriteByte('|')
		b.WriteString(s.Produces)
		b.WriteByte('|')
		b.WriteByte('{')
		for i, k := range sortedKeys(s.Args) {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.Write(compactValue(s.Args[k]))
		}
		b.WriteByte('}')
		b.WriteByte('\n')
	}
	b.WriteString("envelope:")
	ids := append([]string(nil), env.EntityIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		b.WriteByte(' ')
		b.WriteString(id)
	}
	return b.Bytes()
}

func compactValue(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// ContentID derives the content-addressed runbook identity: the first
// 16 bytes of the SHA-256 of the canonical plan, read as a UUID. Equal
// plans get equal IDs, which is what makes storing a plan idempotent.
func ContentID(steps []Step, env Envelope) uuid.UUID {
	sum := sha256.Sum256(canonicalBytes(steps, env))
	id, _ := uuid.FromBytes(sum[:16])
	return id
}

// ComputeIntegrityHash returns the full SHA-256 of the canonical plan,
// hex encoded. Stores check it on load.
func ComputeIntegrityHash(steps []Step, env Envelope) string {
	sum := sha256.Sum256(canonicalBytes(steps, env))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the integrity hash of a loaded runbook and compares
// it against the recorded one.
func (r *Runbook) Verify() error {
	if ComputeIntegrityHash(r.Steps, r.Envelope) != r.IntegrityHash {
		return ErrIntegrity
	}
	return nil
}

// DeriveEnvelope collects every entity identifier referenced by any
// step argument into a sorted, deduplicated set. It always succeeds; a
// plan with no concrete identifiers gets an empty envelope.
func DeriveEnvelope(steps []Step) Envelope {
	set := make(map[string]struct{})
	for _, s := range steps {
		for _, v := range s.Args {
			collectEntityIDs(v, set)
		}
	}
	if len(set) == 0 {
		return Envelope{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Envelope{EntityIDs: ids}
}

// DeriveWriteSet lists the concrete entities step arguments touch and
// the binding names steps produce. Like the envelope it is infallible
// bookkeeping and never blocks compilation.
func DeriveWriteSet(steps []Step) WriteSet {
	entities := make(map[string]struct{})
	bindings := make(map[string]struct{})
	for _, s := range steps {
		for _, v := range s.Args {
			collectEntityIDs(v, entities)
		}
		if s.Produces != "" {
			bindings[s.Produces] = struct{}{}
		}
	}
	var ws WriteSet
	for e := range entities {
		ws.Entities = append(ws.Entities, e)
	}
	for b := range bindings {
		ws.Bindings = append(ws.Bindings, b)
	}
	sort.Strings(ws.Entities)
	sort.Strings(ws.Bindings)
	return ws
}

// collectEntityIDs walks a JSON value and records every string that
// parses as a UUID, normalized to canonical form. Symbolic references
// are not identifiers and are skipped.
func collectEntityIDs(raw json.RawMessage, set map[string]struct{}) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, isRef := BindingRef(raw); isRef {
			return
		}
		if u, err := uuid.Parse(s); err == nil {
			set[u.String()] = struct{}{}
		}
		return
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, item := range arr {
			collectEntityIDs(item, set)
		}
		return
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, item := range obj {
			collectEntityIDs(item, set)
		}
	}
}
