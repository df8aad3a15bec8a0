// Package slug derives the URL path segments used to address published sites.
//
// The same function must be applied when publishing and when resolving;
// any divergence makes previously published content unreachable.
package slug

import (
	"regexp"
	"strings"
	"unicode"
)

var hyphens = regexp.MustCompile(`-+`)

// Make normalizes name into a lowercase, hyphen-separated path segment.
// Characters outside ASCII letters and digits, whitespace and '-' are
// dropped, accented letters included. Runs of whitespace become one '-'.
func Make(name string) string {
	kept := strings.Map(func(r rune) rune {
		if r == '-' || isSpace(r) || isASCIIAlnum(r) {
			return r
		}
		return -1
	}, name)
	s := strings.Join(strings.FieldsFunc(kept, isSpace), "-")
	s = strings.ToLower(s)
	s = hyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Equal reports whether name normalizes to segment.
func Equal(name, segment string) bool {
	return Make(name) == segment
}

// isSpace covers Unicode white space, NBSP and \v included, plus the ASCII
// file, group, record and unit separators.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

func isASCIIAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
