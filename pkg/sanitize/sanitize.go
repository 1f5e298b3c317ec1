package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	urlRegex     = regexp.MustCompile(`[<>;\\\s]`)
)

// MessageText normalizes chat text: line endings become \n, control
// characters other than newline and tab are dropped, and surrounding
// whitespace is trimmed.
func MessageText(input string) string {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// DisplayName strips tags and control characters and collapses runs of
// whitespace to one space.
func DisplayName(input string) string {
	input = htmlTagRegex.ReplaceAllString(input, "")
	return strings.Join(strings.FieldsFunc(StripControlCharacters(input), unicode.IsSpace), " ")
}

// URL trims input and removes characters never valid unescaped in a URL
func URL(input string) string {
	return urlRegex.ReplaceAllString(strings.TrimSpace(input), "")
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
