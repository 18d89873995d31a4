// Package resolve normalizes raw names, resolves raw specialty names through
// the curated mapping table, and derives unit specialty links from the
// professionals linked to a unit.
package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// honorifics are leading titles dropped from person names before matching.
var honorifics = map[string]bool{
	"DR":    true,
	"DRA":   true,
	"PROF":  true,
	"PROFA": true,
	"SR":    true,
	"SRA":   true,
}

// NormalizeName standardizes a name for matching by:
//  1. Folding accents (Turístico -> Turistico)
//  2. Converting to uppercase
//  3. Replacing punctuation with spaces
//  4. Collapsing runs of whitespace
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// A transform chain keeps state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, name); err == nil {
		name = folded
	}

	name = strings.ToUpper(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, name)

	return strings.Join(strings.Fields(name), " ")
}

// NormalizePerson normalizes a person's name and drops leading honorifics
// ("Dr", "Dra", "Prof"), so "Dr. Enio Cunha" and "Enio Cunha" match.
func NormalizePerson(name string) string {
	parts := strings.Fields(NormalizeName(name))
	for len(parts) > 1 && honorifics[parts[0]] {
		parts = parts[1:]
	}
	return strings.Join(parts, " ")
}
