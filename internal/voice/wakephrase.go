package voice

import (
	"strings"
)

const tokenTrim = " ,.!?;:-\"'`~"

// WakeDetector finds a wake phrase in a transcript. With Window zero the
// phrase must open the transcript; otherwise it may start anywhere within
// the first Window words.
type WakeDetector struct {
	phrases [][]string
	Window  int
}

func NewWakeDetector(phrases []string, window int) *WakeDetector {
	d := &WakeDetector{Window: window}
	for _, p := range phrases {
		if words := tokenize(p); len(words) > 0 {
			d.phrases = append(d.phrases, words)
		}
	}
	return d
}

// Detect returns the matched phrase and whatever followed it.
func (d *WakeDetector) Detect(text string) (phrase, rest string, ok bool) {
	if d == nil {
		return "", "", false
	}
	raw := strings.Fields(text)
	words := make([]string, len(raw))
	for i, w := range raw {
		words[i] = normalizeToken(w)
	}
	for _, wp := range d.phrases {
		last := 0
		if d.Window > 0 {
			last = d.Window - 1
		}
		for i := 0; i <= last && i+len(wp) <= len(words); i++ {
			if !matchAt(words, wp, i) {
				continue
			}
			after := strings.Join(raw[i+len(wp):], " ")
			return strings.Join(wp, " "), strings.Trim(after, tokenTrim), true
		}
	}
	return "", "", false
}

func matchAt(words, phrase []string, at int) bool {
	for j, p := range phrase {
		if words[at+j] != p {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if t := normalizeToken(w); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeToken(tok string) string {
	return strings.Trim(strings.ToLower(tok), tokenTrim)
}
