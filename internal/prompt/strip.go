package prompt

import (
	"strings"
	"unicode"
)

// Strip removes an echoed prompt from a backend's raw output. Both sides are
// whitespace-trimmed; when the output starts with the prompt the remainder is
// the generation. Otherwise the whole trimmed output is the generation and
// matched reports false so callers can flag the mismatch.
func Strip(promptText, raw string) (generation string, matched bool) {
	p := strings.TrimSpace(promptText)
	out := strings.TrimSpace(raw)
	if strings.HasPrefix(out, p) {
		return strings.TrimSpace(out[len(p):]), true
	}
	return out, false
}

// StripOutput is Strip followed by truncation at the earliest stop sequence.
// It produces exactly the concatenation a Stripper yields for the same raw
// text, however that text is fragmented.
func StripOutput(promptText, raw string, stops []string) (generation string, matched bool) {
	s := NewStripper(promptText, stops)
	var sb strings.Builder
	sb.WriteString(s.Push(raw))
	sb.WriteString(s.Flush())
	return sb.String(), !s.Mismatch()
}

// Stripper applies Strip to a fragment stream. Fragments are buffered only
// while the accumulated text is still a prefix of the prompt; after that
// they pass through. Leading whitespace of the generation is dropped and
// trailing whitespace is held until more text follows it, so nothing the
// blocking path would trim is ever forwarded.
type Stripper struct {
	prompt   string
	stops    []string
	matching bool
	acc      strings.Builder
	started  bool
	held     string
	stopped  bool
	mismatch bool
}

func NewStripper(promptText string, stops []string) *Stripper {
	return &Stripper{
		prompt:   strings.TrimSpace(promptText),
		stops:    stops,
		matching: true,
	}
}

// Push consumes one fragment and returns the text that can be forwarded now,
// possibly "".
func (s *Stripper) Push(fragment string) string {
	if s.stopped {
		return ""
	}
	if s.matching {
		s.acc.WriteString(fragment)
		a := strings.TrimLeftFunc(s.acc.String(), unicode.IsSpace)
		switch {
		case len(a) >= len(s.prompt) && strings.HasPrefix(a, s.prompt):
			fragment = a[len(s.prompt):]
		case len(a) < len(s.prompt) && strings.HasPrefix(s.prompt, a):
			return ""
		default:
			s.mismatch = true
			fragment = a
		}
		s.matching = false
		s.acc.Reset()
	}
	return s.emit(fragment)
}

// Flush ends the stream. Text still buffered against the prompt is released
// whole and counts as a mismatch.
func (s *Stripper) Flush() string {
	if s.stopped {
		return ""
	}
	var out string
	if s.matching {
		s.matching = false
		s.mismatch = true
		out = s.emit(strings.TrimLeftFunc(s.acc.String(), unicode.IsSpace))
		s.acc.Reset()
	}
	if s.stopped {
		return out
	}
	rest := strings.TrimRightFunc(s.held, unicode.IsSpace)
	s.held = ""
	return out + rest
}

// Mismatch reports whether the output failed to start with the prompt.
func (s *Stripper) Mismatch() bool { return s.mismatch }

// Stopped reports whether a stop sequence ended the generation.
func (s *Stripper) Stopped() bool { return s.stopped }

func (s *Stripper) emit(text string) string {
	if !s.started {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		if text == "" {
			return ""
		}
		s.started = true
	}
	text = s.held + text
	s.held = ""

	if i := earliestStop(text, s.stops); i >= 0 {
		s.stopped = true
		return strings.TrimRightFunc(text[:i], unicode.IsSpace)
	}

	keep := len(text) - stopPrefixSuffix(text, s.stops)
	ready := strings.TrimRightFunc(text[:keep], unicode.IsSpace)
	s.held = text[len(ready):]
	return ready
}

func earliestStop(text string, stops []string) int {
	cut := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	return cut
}

// stopPrefixSuffix is the length of the longest suffix of text that could
// still grow into a stop sequence.
func stopPrefixSuffix(text string, stops []string) int {
	longest := 0
	for _, stop := range stops {
		for k := min(len(stop)-1, len(text)); k > longest; k-- {
			if strings.HasSuffix(text, stop[:k]) {
				longest = k
				break
			}
		}
	}
	return longest
}
