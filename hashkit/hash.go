// Package hashkit is Kiara's single canonicalization and digest primitive.
// Design Notes §9 ("Hashing framework") forbid ad-hoc hashing of maps
// elsewhere in the engine: every Manifest/Value/JobConfig id is derived
// by funneling through Canonicalize + Digest here.
package hashkit

import (
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Digest is the fixed-size content hash produced by this package. It is
// independent of process, host byte-order, and map-iteration order, per
// the canonical hashing rule in spec.md §3/§6.
type Digest [32]byte

// String renders the digest as lowercase hex, suitable for use as a
// value_id/manifest_hash component in logs and archive keys.
func (d Digest) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(d)*2)
	for i, b := range d {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

// IsZero reports whether the digest has never been set.
func (d Digest) IsZero() bool { return d == Digest{} }

// Canonicalize produces the deterministic byte representation of v used as
// digest input. Maps are serialized with lexicographically sorted keys,
// sequences preserve order, numbers keep their exact representation, and
// strings are NFC-normalized UTF-8 — the rule stated identically in spec.md
// §3 and §6. encoding/json already sorts map[string]any keys when
// marshaling, which is why no bespoke canonical-map encoder is needed here
// (see DESIGN.md "hashkit").
func Canonicalize(v any) ([]byte, error) {
	normalized := normalizeStrings(v)
	return json.Marshal(normalized)
}

// normalizeStrings walks v through strings, map[string]any and []any and
// NFC-normalizes every string (and map key) found there, so that two
// Unicode-equivalent but differently-encoded strings hash identically.
// Strings inside any other type (typed maps such as map[string]string,
// typed slices, structs) are passed to encoding/json unchanged.
func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}

// Digest256 hashes arbitrary canonical bytes with blake2b-256, the single
// digest primitive this package offers.
func Digest256(data []byte) Digest {
	return blake2b.Sum256(data)
}

// HashOf canonicalizes v and digests the result in one step. This is the
// call most Kiara components use directly (manifest.Hash, value.Hash,
// job.InputsHash all wrap this).
func HashOf(v any) (Digest, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return Digest{}, err
	}
	return Digest256(canon), nil
}

// HashFields hashes a variadic, ordered list of named components together —
// e.g. HashFields("module_type", moduleType, "module_config", cfg) — by
// building a single sorted map so field names never collide with the field
// values' own content, then delegating to HashOf. Callers with a fixed,
// well-known field set (Manifest, ValueSchema, ValuePedigree, JobConfig)
// use this instead of hand-concatenating strings.
func HashFields(kv ...any) (Digest, error) {
	if len(kv)%2 != 0 {
		panic("hashkit.HashFields: odd number of arguments")
	}
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic("hashkit.HashFields: field name must be a string")
		}
		fields[key] = kv[i+1]
	}
	return HashOf(fields)
}

// SortedKeys returns the keys of a map[string]X in lexicographic order.
// Exposed for callers (e.g. job.JobConfig.InputsHash) that need to iterate
// a map deterministically beyond just hashing it.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
