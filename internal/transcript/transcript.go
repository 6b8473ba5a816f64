// Package transcript holds the in-memory recent-history window of one
// conversation and renders it as prompt text.
package transcript

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AssistantCue ends every rendered prompt so the backend continues as the assistant.
const AssistantCue = "assistant: "

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one role-tagged message. Turns are values and never mutated after creation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Now().UTC()}
}

// Window selects the recent part of a transcript. LastN and Age may be combined;
// the zero Window selects everything.
type Window struct {
	LastN int           `json:"last_n,omitempty" yaml:"last_n"`
	Age   time.Duration `json:"age,omitempty" yaml:"age"`
}

func (w Window) IsZero() bool { return w.LastN <= 0 && w.Age <= 0 }

// Start returns the index of the first of n time-ordered items that falls
// inside the window; at reports the timestamp of item i.
func (w Window) Start(n int, at func(i int) time.Time, now time.Time) int {
	start := 0
	if w.Age > 0 {
		cutoff := now.Add(-w.Age)
		for start < n && at(start).Before(cutoff) {
			start++
		}
	}
	if w.LastN > 0 && n-start > w.LastN {
		start = n - w.LastN
	}
	return start
}

// Apply returns the turns of a time-ordered slice that fall inside the window.
// The result shares no memory with turns.
func (w Window) Apply(turns []Turn, now time.Time) []Turn {
	start := w.Start(len(turns), func(i int) time.Time { return turns[i].Timestamp }, now)
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// Buffer is the ordered turn sequence of a single conversation. It is safe for
// concurrent readers; writers are expected to be serialized by the owning
// conversation lock.
type Buffer struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func NewBuffer(seed ...Turn) *Buffer {
	b := &Buffer{now: func() time.Time { return time.Now().UTC() }}
	b.turns = append(b.turns, seed...)
	return b
}

// Append adds a turn stamped with the current time. Timestamps never go
// backwards within a buffer even if the wall clock does.
func (b *Buffer) Append(role Role, text string) Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := Turn{Role: role, Text: text, Timestamp: b.now()}
	if n := len(b.turns); n > 0 && t.Timestamp.Before(b.turns[n-1].Timestamp) {
		t.Timestamp = b.turns[n-1].Timestamp
	}
	b.turns = append(b.turns, t)
	return t
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// Truncate drops every turn after the first n. Used to rewind a failed turn.
func (b *Buffer) Truncate(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(b.turns) {
		b.turns = b.turns[:n]
	}
}

// Retain drops the oldest turns that fall outside every given window and
// reports how many were dropped. A zero window keeps everything.
func (b *Buffer) Retain(windows ...Window) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(windows) == 0 {
		return 0
	}
	now := b.now()
	keepFrom := len(b.turns)
	for _, w := range windows {
		if w.IsZero() {
			return 0
		}
		keepFrom = min(keepFrom, w.Start(len(b.turns), func(i int) time.Time { return b.turns[i].Timestamp }, now))
	}
	if keepFrom == 0 {
		return 0
	}
	b.turns = slices.Clone(b.turns[keepFrom:])
	return keepFrom
}

// Reset replaces the whole history with turns loaded from storage.
func (b *Buffer) Reset(turns []Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append([]Turn(nil), turns...)
}

func (b *Buffer) Turns() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

func (b *Buffer) Recent(w Window) []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return w.Apply(b.turns, b.now())
}

// RenderAsPrompt renders every turn followed by the assistant cue. An empty
// buffer renders to "".
func (b *Buffer) RenderAsPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return RenderPrompt(b.turns)
}

// Render renders the turns without the trailing cue.
func (b *Buffer) Render() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Render(b.turns)
}

// Render produces one "<role>: <text>" line per turn.
func Render(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		writeLine(&sb, t)
	}
	return sb.String()
}

// RenderPrompt is Render plus a newline and the assistant cue.
func RenderPrompt(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, t := range turns {
		writeLine(&sb, t)
		sb.WriteByte('\n')
	}
	sb.WriteString(AssistantCue)
	return sb.String()
}

func writeLine(sb *strings.Builder, t Turn) {
	role := t.Role
	if role == "" {
		role = RoleUser
	}
	sb.WriteString(string(role))
	sb.WriteString(": ")
	sb.WriteString(t.Text)
}
