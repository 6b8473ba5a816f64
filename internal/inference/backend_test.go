package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type scriptedBackend struct {
	mu        sync.Mutex
	calls     int
	fragments []string
	err       error
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) Generate(_ context.Context, _ string, _ Params) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	return strings.Join(b.fragments, ""), nil
}

func (b *scriptedBackend) Stream(_ context.Context, _ string, _ Params, onFragment FragmentHandler) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	for _, f := range b.fragments {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	return b.err
}

func (b *scriptedBackend) Close() error { return nil }

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Params)
		field string
	}{
		{name: "defaults ok", mod: func(*Params) {}},
		{name: "zero tokens", mod: func(p *Params) { p.MaxNewTokens = 0 }, field: "max_new_tokens"},
		{name: "negative temperature", mod: func(p *Params) { p.Temperature = -0.1 }, field: "temperature"},
		{name: "greedy temperature ok", mod: func(p *Params) { p.Temperature = 0 }},
		{name: "top_p above one", mod: func(p *Params) { p.TopP = 1.5 }, field: "top_p"},
		{name: "zero repetition penalty", mod: func(p *Params) { p.RepetitionPenalty = 0 }, field: "repetition_penalty"},
		{name: "empty stop", mod: func(p *Params) { p.Stop = []string{""} }, field: "stop"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mod(&p)
			err := p.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want *ConfigurationError", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("Field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestCutAtStopPicksEarliest(t *testing.T) {
	p := DefaultParams()
	p.Stop = []string{"\nuser:", "###"}
	got, ok := p.CutAtStop("Sure thing### more\nuser: hi")
	if !ok || got != "Sure thing" {
		t.Fatalf("CutAtStop() = %q, %v", got, ok)
	}
}

func TestMockBackendEchoesPromptThenReplies(t *testing.T) {
	b := NewMockBackend()
	out, err := b.Generate(context.Background(), "user: Hi\nassistant: ", DefaultParams())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "user: Hi\nassistant: I heard you: Hi" {
		t.Fatalf("Generate() = %q", out)
	}

	var sb strings.Builder
	if err := b.Stream(context.Background(), "user: Hi\nassistant: ", DefaultParams(), func(f string) error {
		sb.WriteString(f)
		return nil
	}); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if sb.String() != out {
		t.Fatalf("stream concatenation = %q, want %q", sb.String(), out)
	}
}

func TestMockBackendHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockBackend().Stream(ctx, "user: Hi\nassistant: ", DefaultParams(), func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream() error = %v, want context.Canceled", err)
	}
}

func TestSplitFragmentsRoundTrip(t *testing.T) {
	text := "héllo wörld, streaming"
	if got := strings.Join(SplitFragments(text, 3), ""); got != text {
		t.Fatalf("joined = %q, want %q", got, text)
	}
}

func TestFallbackBackendUsesSecondaryWhenPrimaryUnavailable(t *testing.T) {
	primary := &scriptedBackend{err: ErrUnavailable}
	secondary := &scriptedBackend{fragments: []string{"ok"}}
	b := NewFallbackBackend(primary, secondary)

	out, err := b.Generate(context.Background(), "p", DefaultParams())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "ok" {
		t.Fatalf("Generate() = %q, want ok", out)
	}
	if secondary.Calls() != 1 {
		t.Fatalf("secondary calls = %d, want 1", secondary.Calls())
	}
}

func TestFallbackBackendDoesNotRestartDeliveredStream(t *testing.T) {
	primary := &scriptedBackend{fragments: []string{"half"}, err: ErrUnavailable}
	secondary := &scriptedBackend{fragments: []string{"other"}}
	b := NewFallbackBackend(primary, secondary)

	var got []string
	err := b.Stream(context.Background(), "p", DefaultParams(), func(f string) error {
		got = append(got, f)
		return nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Stream() error = %v, want ErrUnavailable", err)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary calls = %d, want 0", secondary.Calls())
	}
	if strings.Join(got, "") != "half" {
		t.Fatalf("fragments = %q, want half", got)
	}
}

func TestFallbackBackendSkipsSecondaryOnConfigurationError(t *testing.T) {
	primary := &scriptedBackend{err: &ConfigurationError{Field: "request", Reason: "bad"}}
	secondary := &scriptedBackend{fragments: []string{"ok"}}
	_, err := NewFallbackBackend(primary, secondary).Generate(context.Background(), "p", DefaultParams())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Generate() error = %v, want *ConfigurationError", err)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary calls = %d, want 0", secondary.Calls())
	}
}

func TestNewBackendModes(t *testing.T) {
	if _, err := NewBackend(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewBackend(http) without URL expected error")
	}
	if _, err := NewBackend(Config{Mode: "bogus"}); err == nil {
		t.Fatalf("NewBackend(bogus) expected error")
	}
	b, err := NewBackend(Config{})
	if err != nil {
		t.Fatalf("NewBackend(auto) error = %v", err)
	}
	if _, ok := b.(*MockBackend); !ok {
		t.Fatalf("NewBackend(auto) without URL = %T, want *MockBackend", b)
	}
	b, err = NewBackend(Config{URL: "http://a", FallbackURL: "http://b"})
	if err != nil {
		t.Fatalf("NewBackend(auto) error = %v", err)
	}
	if _, ok := b.(*FallbackBackend); !ok {
		t.Fatalf("NewBackend(auto) with two URLs = %T, want *FallbackBackend", b)
	}
}
