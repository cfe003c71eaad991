// Package phone turns loosely formatted phone fields into canonical
// identifiers usable as matching keys.
package phone

import (
	"strings"
	"unicode"
)

// MinAmbiguousDigits is the shortest cleaned number kept when it cannot be
// classified as a North American number. Anything shorter is discarded.
// It is 6 rather than 5 so that fragments like "790-35" never match a contact.
const MinAmbiguousDigits = 6

// multiSeparator joins several numbers inside one exported field.
const multiSeparator = ":::"

// Normalize returns the canonical identifiers found in raw, de-duplicated and
// in the order they appear. Empty input yields nil.
func Normalize(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, piece := range split(raw) {
		id, ok := canonical(piece)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func split(raw string) []string {
	raw = strings.ReplaceAll(raw, multiSeparator, "\n")
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
}

func canonical(piece string) (string, bool) {
	clean := clean(strings.TrimSpace(piece))
	switch {
	case clean == "":
		return "", false
	case strings.HasPrefix(clean, "+1"):
		return clean, true
	case strings.HasPrefix(clean, "1") && allDigits(clean):
		return "+" + clean, true
	case len(clean) == 10 && allDigits(clean):
		return "+1" + clean, true
	case len(clean) >= MinAmbiguousDigits:
		// International or short-code number; kept verbatim for manual review.
		return clean, true
	default:
		return "", false
	}
}

// clean keeps digits plus a '+' that leads the number.
func clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
