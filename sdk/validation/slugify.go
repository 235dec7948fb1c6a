// Package validation provides small input normalization helpers.
package validation

import (
	"regexp"
	"strings"
)

var (
	separators      = regexp.MustCompile(`[\s\-_]+`)
	nonAlphaNumeric = regexp.MustCompile(`[^a-z0-9\-]`)
	multipleHyphens = regexp.MustCompile(`-+`)
)

// Slugify converts a string to a filesystem- and URL-safe slug.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = removeAccents(s)
	s = separators.ReplaceAllString(s, "-")
	s = nonAlphaNumeric.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	s = multipleHyphens.ReplaceAllString(s, "-")
	return s
}

// removeAccents maps common accented characters to their base equivalents.
func removeAccents(s string) string {
	accentMap := map[rune]rune{
		'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
		'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
		'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
		'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
		'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
		'ý': 'y', 'ÿ': 'y',
		'ñ': 'n', 'ç': 'c',
		'ß': 's',
	}

	var result strings.Builder
	for _, r := range s {
		if replacement, ok := accentMap[r]; ok {
			result.WriteRune(replacement)
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
