package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	scriptTagRegex  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// DisplayName cleans a participant or caller name for display: tags and
// control characters are removed and runs of whitespace collapse to one
// space.
func DisplayName(input string) string {
	input = SanitizeHTML(input)
	input = StripControlCharacters(input)
	input = whitespaceRegex.ReplaceAllString(input, " ")
	return strings.TrimSpace(input)
}

// Text cleans free-form text such as chat messages and invite context.
// Newlines and tabs survive; other control characters do not.
func Text(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// SanitizeHTML removes script and style blocks, then all remaining tags
func SanitizeHTML(input string) string {
	input = scriptTagRegex.ReplaceAllString(input, "")
	return htmlTagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks the rune length of input after trimming
func ValidateStringLength(input string, minLen, maxLen int) bool {
	n := len([]rune(strings.TrimSpace(input)))
	return n >= minLen && n <= maxLen
}
