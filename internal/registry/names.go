package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no
// diacritics, spaces for dashes, collapsed whitespace). Merge conflict
// detection compares normalized forms so "Jiri Novak" and "Jiří-Novák" are
// the same person, not a conflict.
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return strings.Join(strings.Fields(name), " ")
}

// SameName reports whether two display names refer to the same person after
// normalization. Empty names never match anything.
func SameName(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizePersonName(a) == NormalizePersonName(b)
}
