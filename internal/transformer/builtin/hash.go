// Package builtin contains small, reusable helpers used by the fact transformer.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hash computes a deterministic SHA-256 hash over an ordered list of parts.
//
// Canonicalization rules:
//   - Parts are concatenated in order using Separator.
//   - nil is encoded as a single NUL byte (0x00) so missing differs from "".
//   - Common types are converted without fmt.Sprint.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// Separator used between parts. Defaults to ASCII Unit Separator (0x1f).
	Separator string

	// TrimSpace trims leading/trailing whitespace of string parts.
	TrimSpace bool
}

// Sum returns the hex digest of parts.
func (h Hash) Sum(parts ...any) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder
	b.Grow(len(parts) * 16)
	for i, p := range parts {
		if i > 0 {
			b.WriteString(sep)
		}
		appendCanonicalValue(&b, p, h.TrimSpace)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SourceRowHash identifies one source cell: filename, 1-based data row,
// 0-based column and the raw cell text, untrimmed.
func SourceRowHash(filename string, row, column int, raw string) string {
	return Hash{}.Sum(filename, row, column, raw)
}

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// It lets hot paths skip strings.TrimSpace for the common clean value.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// appendCanonicalValue appends a stable, canonical representation of v.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')

	case string:
		if trimSpace && HasEdgeSpace(t) {
			b.WriteString(strings.TrimSpace(t))
		} else {
			b.WriteString(t)
		}

	case []byte:
		s := string(t)
		if trimSpace && HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))

	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}
