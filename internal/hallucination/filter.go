// Package hallucination removes text that speech models tend to invent on
// near-silent or noise-only input.
package hallucination

import (
	"strings"
	"unicode"
)

// markers are matched anywhere in a segment.
var markers = []string{
	"[music", "(music", "♪", "🎵", "[blank_audio]",
	"[silence", "(silence", "[audio", "(audio",
	"[sigh", "(sigh", "[crying", "(crying", "[laughter", "(laughter",
	"[applause", "(applause", "[noise", "(noise",
	"[inaudible", "(inaudible", "[unintelligible", "(unintelligible",
	"[background", "(background", "[ambient", "(ambient",
	"[static", "(static", "[breathing", "(breathing",
	"[cough", "(cough", "[sneeze", "(sneeze", "[whisper", "(whisper",
	"[mumbl", "(mumbl", "[squeak", "(squeak", "[click", "(click",
	"[beep", "(beep", "[tone", "(tone", "[bell", "(bell", "[ring", "(ring",
	"[dramatic", "(dramatic", "[sad", "(sad", "[happy", "(happy",
	"[whistl", "(whistl", "[humm", "(humm", "[mimick", "(mimick",
	"[speaking", "(speaking", "[foreign", "(foreign",
	"[xbox", "(xbox", "[windows", "(windows",
}

// phrases only match a whole segment, ignoring surrounding punctuation, so
// real speech that merely contains them survives.
var phrases = map[string]struct{}{
	"shh": {}, "hmm": {}, "hush": {}, "fash": {}, "shook": {}, "whoosh": {},
	"you are the only": {}, "your house": {}, "i'll show you": {}, "yet the few": {},
	"a few days": {}, "and you have": {}, "thank you": {}, "thank you very much": {},
	"thank you for watching": {}, "thanks for watching": {}, "thanks": {},
	"bye": {}, "bye bye": {}, "i'm sorry": {}, "sorry": {}, "please come": {},
	"come forward": {}, "famous for": {}, "you will be": {},
}

var fillers = map[string]struct{}{
	"and": {}, "the": {}, "a": {}, "an": {}, "to": {}, "of": {},
	"in": {}, "is": {}, "it": {}, "you": {}, "i": {},
}

// Filter is safe for concurrent use once built.
type Filter struct {
	patterns []string
}

// New returns a filter using the built-in lists plus extra.
// Extra patterns are matched case-insensitively as substrings.
func New(extra ...string) *Filter {
	patterns := make([]string, 0, len(markers)+len(extra))
	patterns = append(patterns, markers...)
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Filter{patterns: patterns}
}

// IsHallucination reports whether text should be discarded.
func (f *Filter) IsHallucination(text string) bool {
	s := normalize(text)
	for _, p := range f.patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	if _, ok := phrases[strings.TrimFunc(s, isEdge)]; ok {
		return true
	}
	if len(s) <= 2 {
		return true
	}
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < 3 {
		return true
	}
	if strings.Count(s, " and")+strings.Count(s, "and ") >= 3 {
		return true
	}
	words := strings.Fields(s)
	if len(words) <= 3 {
		all := true
		for _, w := range words {
			if _, ok := fillers[w]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// Apply returns the trimmed text, or "" when the whole output is spurious.
func (f *Filter) Apply(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || f.IsHallucination(text) {
		return ""
	}
	return text
}

// ApplySegments filters each segment on its own and joins the survivors with
// single spaces.
func (f *Filter) ApplySegments(segments []string) string {
	var b strings.Builder
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" || f.IsHallucination(seg) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isEdge(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) }

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
