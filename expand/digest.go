package expand

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// digest returns the first 8 bytes of the SHA-256 of b, hex encoded.
// Audit digests are provenance markers, not integrity proofs, so the
// truncated form keeps them readable.
func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// canonicalArgs renders an argument map as a JSON object with sorted
// keys and compacted values, so equal maps always digest equally.
func canonicalArgs(args map[string]json.RawMessage) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(compactValue(args[k]))
	}
	b.WriteByte('}')
	return b.Bytes()
}

func canonicalSteps(steps []Step) []byte {
	var b bytes.Buffer
	for i, s := range steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Verb)
		b.WriteByte(' ')
		b.Write(canonicalArgs(s.Args))
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
