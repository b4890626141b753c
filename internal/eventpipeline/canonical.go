// Package eventpipeline is the event pipeline (C6): it takes whatever an
// adapter yields, assigns the next seq, computes the hash chain, and
// dual-writes to the persistent store and the stream buffer, mirroring
// the teacher's audit package's append-only JSONL+DB dual-write
// discipline (internal/audit/audit.go) and its use of crypto/sha256 for
// content digests (internal/skills/installer.go).
package eventpipeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize renders v (expected to be a JSON-shaped map/slice/scalar
// tree, typically the result of json.Unmarshal into interface{}, or a
// plain map[string]any built by a caller) into a deterministic byte
// string: object keys sorted, numbers formatted without locale- or
// platform-dependent float formatting ambiguity. It is not general JSON
// canonicalization (no RFC 8785 claims) — just deterministic enough
// that identical payloads always hash identically.
func Canonicalize(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteString(strconv.Quote(val))
	case map[string]any:
		writeCanonicalObject(b, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		writeCanonicalObject(b, m)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case float64:
		b.WriteString(formatNumber(val))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	default:
		// Fall back to a stable string form rather than panicking on an
		// unanticipated scalar; this keeps the chain computable even for
		// adapter payloads we did not fully type.
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", val)))
	}
}

func writeCanonicalObject(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeCanonical(b, m[k])
	}
	b.WriteByte('}')
}

// formatNumber renders a float64 deterministically: integral values as
// plain integers (no "1e+06", no trailing ".0"), fractional values with
// the shortest round-trip decimal representation.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
