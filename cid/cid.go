// Package cid derives deterministic content identifiers from message
// records. The same record always yields the same identifier, across
// processes and machines, so re-imports and cross-device syncs converge
// on one row instead of piling up duplicates.
package cid

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"sort"
	"strings"
)

// Prefix marks message identifiers.
const Prefix = "msg_"

// EntityPrefix marks extracted entity identifiers.
const EntityPrefix = "ent_"

// alphabet holds the 62 glyphs used to encode digests.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// bodyLen is the fixed glyph width of an encoded digest.
const bodyLen = 44

// Record is the identity-bearing subset of a message. Two messages that
// agree on all four fields are the same message.
type Record struct {
	AccountID string
	Content   string
	CreatedAt int64
	Kind      int
}

// Compute derives the content identifier for r.
func Compute(r Record) string {
	sum := sha256.Sum256(Canonicalize(map[string]any{
		"account_id": r.AccountID,
		"content":    r.Content,
		"created_at": r.CreatedAt,
		"kind":       r.Kind,
	}))
	return Prefix + encode(sum[:])
}

// Verify recomputes the identifier for r and reports whether it equals
// id. It never panics and never returns an error: a malformed id is
// simply a mismatch.
func Verify(id string, r Record) bool {
	return id == Compute(r)
}

// Derive builds a deterministic identifier for non-message records from
// an ordered list of parts. Entity identifiers use EntityPrefix with the
// entity type and normalized name as parts.
func Derive(prefix string, parts ...string) string {
	vals := make([]any, len(parts))
	for i, p := range parts {
		vals[i] = p
	}
	sum := sha256.Sum256(Canonicalize(vals))
	return prefix + encode(sum[:])
}

// Canonicalize serializes v as deterministic JSON: object keys sorted
// lexicographically at every nesting level, no insignificant whitespace.
// Maps, slices and JSON primitives are supported; anything else falls
// back to encoding/json.
func Canonicalize(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		j, _ := json.Marshal(t)
		b.Write(j)
	}
}

// encode renders a 32-byte digest as bodyLen glyphs, big-endian base62,
// left-padded with the zero glyph.
func encode(digest []byte) string {
	n := new(big.Int).SetBytes(digest)
	base := big.NewInt(int64(len(alphabet)))
	mod := new(big.Int)
	out := make([]byte, bodyLen)
	for i := bodyLen - 1; i >= 0; i-- {
		n.DivMod(n, base, mod)
		out[i] = alphabet[mod.Int64()]
	}
	return string(out)
}
