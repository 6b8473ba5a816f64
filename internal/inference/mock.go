package inference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockBackend provides deterministic local replies when no model server is
// configured. Like a causal LM decode it echoes the prompt before the reply.
type MockBackend struct {
	EchoPrompt    bool
	FragmentRunes int
	FragmentDelay time.Duration
}

func NewMockBackend() *MockBackend {
	return &MockBackend{EchoPrompt: true, FragmentRunes: 6}
}

func (b *MockBackend) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	select {
	case <-ctx.Done():
		return "", Classify(ctx.Err())
	default:
	}
	return b.decode(prompt, params), nil
}

func (b *MockBackend) Stream(ctx context.Context, prompt string, params Params, onFragment FragmentHandler) error {
	for _, fragment := range SplitFragments(b.decode(prompt, params), b.FragmentRunes) {
		if b.FragmentDelay > 0 {
			timer := time.NewTimer(b.FragmentDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Classify(ctx.Err())
			case <-timer.C:
			}
		}
		select {
		case <-ctx.Done():
			return Classify(ctx.Err())
		default:
		}
		if onFragment == nil {
			continue
		}
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	return nil
}

func (b *MockBackend) Close() error { return nil }

func (b *MockBackend) decode(prompt string, params Params) string {
	reply := buildMockReply(prompt)
	if cut, ok := params.CutAtStop(reply); ok {
		reply = cut
	}
	if !b.EchoPrompt {
		return reply
	}
	return prompt + reply
}

func buildMockReply(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if text, ok := strings.CutPrefix(lines[i], "user: "); ok {
			return fmt.Sprintf("I heard you: %s", strings.TrimSpace(text))
		}
	}
	base := strings.TrimSpace(prompt)
	if base == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}

// SplitFragments cuts text into pieces of at most n runes. Joining the pieces
// yields text unchanged.
func SplitFragments(text string, n int) []string {
	if text == "" {
		return nil
	}
	if n <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/n+1)
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
