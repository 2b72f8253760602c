package session

import (
	"strings"
	"unicode"
)

// PhraseMatcher finds any of a fixed set of phrases in a transcript,
// ignoring case and punctuation and matching on word boundaries only.
type PhraseMatcher struct {
	phrases []string
}

func NewPhraseMatcher(phrases []string) *PhraseMatcher {
	m := &PhraseMatcher{}
	for _, p := range phrases {
		if n := normalizePhrase(p); n != "" {
			m.phrases = append(m.phrases, n)
		}
	}
	return m
}

// Match returns the first configured phrase found in text.
func (m *PhraseMatcher) Match(text string) (string, bool) {
	if m == nil || len(m.phrases) == 0 {
		return "", false
	}
	padded := " " + normalizePhrase(text) + " "
	for _, p := range m.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

func normalizePhrase(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
