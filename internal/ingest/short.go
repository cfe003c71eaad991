package ingest

import (
	"strings"
	"unicode/utf8"
)

// ShortFilter recognizes terse acknowledgments ("ok", "thanks", "lol") that
// should never drive a needs-reply alert.
type ShortFilter struct {
	vocabulary map[string]struct{}
	maxWords   int
	maxChars   int
}

func NewShortFilter(vocabulary []string, maxWords, maxChars int) ShortFilter {
	f := ShortFilter{
		vocabulary: make(map[string]struct{}, len(vocabulary)),
		maxWords:   maxWords,
		maxChars:   maxChars,
	}
	for _, w := range vocabulary {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			f.vocabulary[w] = struct{}{}
		}
	}
	return f
}

// IsShort reports whether body is empty, a known short response, has at most
// maxWords words, or at most maxChars characters.
func (f ShortFilter) IsShort(body string) bool {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" {
		return true
	}
	if _, ok := f.vocabulary[text]; ok {
		return true
	}
	return len(strings.Fields(text)) <= f.maxWords || utf8.RuneCountInString(text) <= f.maxChars
}
