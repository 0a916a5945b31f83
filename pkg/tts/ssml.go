package tts

import (
	"html"
	"regexp"
	"strings"
)

// IsMarkup reports whether text is an SSML document: after trimming, it
// starts with a <speak> root tag (case-insensitive, attributes allowed).
func IsMarkup(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	if !strings.HasPrefix(s, "<speak") {
		return false
	}
	rest := s[len("<speak"):]
	if rest == "" {
		return false
	}
	switch rest[0] {
	case '>', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// StripMarkup reduces SSML to the plain text it would speak. Non-markup
// input is returned trimmed.
func StripMarkup(text string) string {
	if !IsMarkup(text) {
		return strings.TrimSpace(text)
	}
	plain := tagPattern.ReplaceAllString(text, " ")
	plain = html.UnescapeString(plain)
	plain = spacePattern.ReplaceAllString(plain, " ")
	plain = strings.TrimSpace(plain)
	// Tags removed between a word and its punctuation leave a stray space.
	for _, p := range []string{" .", " ,", " ?", " !", " ;", " :"} {
		plain = strings.ReplaceAll(plain, p, p[1:])
	}
	return plain
}
