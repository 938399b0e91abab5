package storage

import (
	"strings"
	"unicode"

	"statload/internal/model"
)

// NormalizeKey is the canonical form of a dimension name or value used in
// cache keys and lookups: inner whitespace collapsed, control runes removed.
// Case is preserved; "Germany" and "germany" are distinct rows.
func NormalizeKey(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		s = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && !unicode.IsSpace(r) {
				return -1
			}
			return r
		}, s)
	}
	return model.NormalizeValue(s)
}
