package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/lilith/internal/inference"
	"github.com/antoniostano/lilith/internal/memory"
)

func collect(t *testing.T, s *Stream) (string, TurnResult, error) {
	t.Helper()
	var sb strings.Builder
	for f := range s.Fragments() {
		sb.WriteString(f)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	return sb.String(), res, err
}

func TestStreamMatchesBlockingOutput(t *testing.T) {
	inputs := []string{"Hi", "How was your day?", "  spaced  out  "}
	for _, echo := range []bool{true, false} {
		for runes := 1; runes <= 8; runes++ {
			t.Run(fmt.Sprintf("echo=%v/runes=%d", echo, runes), func(t *testing.T) {
				blocking := newFixture(t, &inference.MockBackend{EchoPrompt: echo}, nil, Config{})
				streaming := newFixture(t, &inference.MockBackend{EchoPrompt: echo, FragmentRunes: runes}, nil, Config{})
				ctx := context.Background()
				for _, in := range inputs {
					want, err := blocking.pipeline.StartTurn(ctx, "u1", in, DefaultRequest())
					if err != nil {
						t.Fatalf("StartTurn() error = %v", err)
					}
					s, err := streaming.pipeline.StartTurnStream(ctx, "u1", in, DefaultRequest())
					if err != nil {
						t.Fatalf("StartTurnStream() error = %v", err)
					}
					text, got, err := collect(t, s)
					if err != nil {
						t.Fatalf("stream error = %v", err)
					}
					if text != want.Output || got.Output != want.Output {
						t.Fatalf("stream = %q (result %q), blocking = %q", text, got.Output, want.Output)
					}
					if got.FullContext != want.FullContext || got.PromptMismatch != want.PromptMismatch {
						t.Fatalf("stream result %+v, blocking %+v", got, want)
					}
				}
			})
		}
	}
}

func TestStreamFirstExchange(t *testing.T) {
	f := newFixture(t, &echoBackend{reply: "Hello!", echo: true, runes: 3}, nil, Config{})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	text, res, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if text != "Hello!" || res.FullContext != "user: Hi\nassistant: Hello!" {
		t.Fatalf("stream = %q, result = %+v", text, res)
	}
	if got := len(storedTurns(t, f, "u1")); got != 2 {
		t.Fatalf("stored turns = %d, want 2", got)
	}
}

func TestStreamStopSequence(t *testing.T) {
	backend := &echoBackend{reply: "Hello!\nuser: pretend reply", echo: true, runes: 2}
	f := newFixture(t, backend, nil, Config{})
	req := DefaultRequest()
	req.Params.Stop = []string{"\nuser:"}

	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "Hi", req)
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	text, _, err := collect(t, s)
	if err != nil || text != "Hello!" {
		t.Fatalf("stream = %q, %v, want %q", text, err, "Hello!")
	}
	res, err := f.pipeline.StartTurn(context.Background(), "u2", "Hi", req)
	if err != nil || res.Output != "Hello!" {
		t.Fatalf("StartTurn() = %q, %v, want %q", res.Output, err, "Hello!")
	}
}

// endlessBackend streams "tick" fragments until cancelled.
type endlessBackend struct {
	running atomic.Int32
}

func (b *endlessBackend) Generate(context.Context, string, inference.Params) (string, error) {
	return "", errors.New("not supported")
}

func (b *endlessBackend) Stream(ctx context.Context, _ string, _ inference.Params, onFragment inference.FragmentHandler) error {
	b.running.Add(1)
	defer b.running.Add(-1)
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onFragment(fmt.Sprintf("tick%d", i)); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *endlessBackend) Close() error { return nil }

func TestStreamCancelStopsWorker(t *testing.T) {
	backend := &endlessBackend{}
	f := newFixture(t, backend, nil, Config{FragmentTimeout: time.Second})

	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "count", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := <-s.Fragments(); !ok {
			t.Fatalf("stream closed after %d fragments", i)
		}
	}
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Wait() error = %v, want ErrStreamCancelled", err)
	}
	if n := backend.running.Load(); n != 0 {
		t.Fatalf("backend streams still running after cancel: %d", n)
	}
	for frag := range s.Fragments() {
		t.Fatalf("fragment %q delivered after cancel", frag)
	}
	if got := len(bufferOf(t, f, "u1")); got != 0 {
		t.Fatalf("buffer len = %d, want rewound", got)
	}
	if got := len(storedTurns(t, f, "u1")); got != 0 {
		t.Fatalf("stored turns = %d, want none", got)
	}

	// the user lock is free again
	next, err := f.pipeline.StartTurnStream(context.Background(), "u1", "again", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() after cancel error = %v", err)
	}
	next.Cancel()
	_, _ = next.Wait(ctx)
}

func TestStreamParentContextCancels(t *testing.T) {
	backend := &endlessBackend{}
	f := newFixture(t, backend, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := f.pipeline.StartTurnStream(ctx, "u1", "count", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	<-s.Fragments()
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := s.Wait(waitCtx); !errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Wait() error = %v, want ErrStreamCancelled", err)
	}
}

func TestStreamFragmentTimeout(t *testing.T) {
	f := newFixture(t, &stallBackend{first: "Hello"}, nil, Config{FragmentTimeout: 30 * time.Millisecond})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	start := time.Now()
	_, _, err = collect(t, s)
	if !errors.Is(err, ErrGenerationFailed) || !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("stream error = %v, want backend timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stalled stream took %s to end", elapsed)
	}
	if got := len(storedTurns(t, f, "u1")); got != 0 {
		t.Fatalf("stored turns = %d, want none", got)
	}
}

func TestStreamOverallTimeout(t *testing.T) {
	backend := &endlessBackend{}
	f := newFixture(t, backend, nil, Config{BackendTimeout: 30 * time.Millisecond})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "count", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	if _, _, err := collect(t, s); !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("stream error = %v, want backend timeout", err)
	}
}

// countingBackend emits numbered fragments and counts handler returns.
type countingBackend struct {
	n       int
	emitted atomic.Int32
}

func (b *countingBackend) Generate(context.Context, string, inference.Params) (string, error) {
	return "", errors.New("not supported")
}

func (b *countingBackend) Stream(_ context.Context, _ string, _ inference.Params, onFragment inference.FragmentHandler) error {
	for i := 0; i < b.n; i++ {
		if err := onFragment(fmt.Sprintf("f%d", i)); err != nil {
			return err
		}
		b.emitted.Add(1)
	}
	return nil
}

func (b *countingBackend) Close() error { return nil }

func TestStreamBackpressureBlocksProducer(t *testing.T) {
	backend := &countingBackend{n: 10}
	f := newFixture(t, backend, nil, Config{StreamBuffer: 2, FragmentTimeout: time.Second})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "go", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for backend.emitted.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := backend.emitted.Load(); got != 2 {
		t.Fatalf("producer emitted %d fragments with a stalled consumer, want 2", got)
	}

	var got []string
	for frag := range s.Fragments() {
		got = append(got, frag)
	}
	if len(got) != 10 {
		t.Fatalf("received %d fragments, want 10", len(got))
	}
	for i, frag := range got {
		if frag != fmt.Sprintf("f%d", i) {
			t.Fatalf("fragment %d = %q, out of order", i, frag)
		}
	}
	res, err := s.Wait(context.Background())
	if err != nil || res.Output != strings.Join(got, "") || !res.PromptMismatch {
		t.Fatalf("Wait() = %+v, %v", res, err)
	}
}

// gatedBackend holds every stream until the gate opens.
type gatedBackend struct {
	gate chan struct{}
}

func (b *gatedBackend) Generate(context.Context, string, inference.Params) (string, error) {
	return "", errors.New("not supported")
}

func (b *gatedBackend) Stream(ctx context.Context, prompt string, _ inference.Params, onFragment inference.FragmentHandler) error {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return onFragment(prompt + "ok")
}

func (b *gatedBackend) Close() error { return nil }

func TestStreamSerializesTurnsPerUser(t *testing.T) {
	backend := &gatedBackend{gate: make(chan struct{})}
	f := newFixture(t, backend, nil, Config{})
	ctx := context.Background()

	first, err := f.pipeline.StartTurnStream(ctx, "u1", "one", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := f.pipeline.StartTurnStream(short, "u1", "two", DefaultRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second turn for same user error = %v, want deadline exceeded", err)
	}

	other, err := f.pipeline.StartTurnStream(ctx, "u2", "hello", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream(u2) error = %v", err)
	}

	close(backend.gate)
	for _, s := range []*Stream{first, other} {
		text, _, err := collect(t, s)
		if err != nil || text != "ok" {
			t.Fatalf("stream = %q, %v", text, err)
		}
	}
	if got := len(bufferOf(t, f, "u1")); got != 2 {
		t.Fatalf("u1 buffer len = %d, want 2", got)
	}
}

func TestStreamPersistenceFailureIsSideChannel(t *testing.T) {
	f := newFixture(t, &echoBackend{reply: "Hello!", echo: true, runes: 4}, failingStore{memory.NewInMemoryStore()}, Config{})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	text, res, err := collect(t, s)
	if err != nil || text != "Hello!" {
		t.Fatalf("stream = %q, %v", text, err)
	}
	var perr *PersistenceError
	if !errors.As(res.PersistErr, &perr) {
		t.Fatalf("PersistErr = %v, want PersistenceError", res.PersistErr)
	}
}

func TestStreamRejectsBadParams(t *testing.T) {
	f := newFixture(t, &echoBackend{}, nil, Config{})
	req := DefaultRequest()
	req.Params.MaxNewTokens = 0
	if _, err := f.pipeline.StartTurnStream(context.Background(), "u1", "Hi", req); err == nil {
		t.Fatalf("StartTurnStream() expected ConfigurationError")
	}
}

func TestStreamCancelDropsBufferedFragments(t *testing.T) {
	backend := &countingBackend{n: 500}
	f := newFixture(t, backend, nil, Config{StreamBuffer: 16, FragmentTimeout: time.Second})
	s, err := f.pipeline.StartTurnStream(context.Background(), "u1", "go", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	if _, ok := <-s.Fragments(); !ok {
		t.Fatalf("stream closed before the first fragment")
	}
	deadline := time.Now().Add(time.Second)
	for backend.emitted.Load() < 16 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	s.Cancel()
	received := 0
	for range s.Fragments() {
		received++
	}
	if received != 0 {
		t.Fatalf("received %d fragments after Cancel, want 0", received)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Wait() error = %v, want ErrStreamCancelled", err)
	}
	if got := len(storedTurns(t, f, "u1")); got != 0 {
		t.Fatalf("stored turns = %d, want none", got)
	}
}

// deafBackend ignores ctx and blocks until released.
type deafBackend struct {
	release chan struct{}
}

func (b *deafBackend) Generate(context.Context, string, inference.Params) (string, error) {
	<-b.release
	return "", errors.New("too late")
}

func (b *deafBackend) Stream(context.Context, string, inference.Params, inference.FragmentHandler) error {
	<-b.release
	return nil
}

func (b *deafBackend) Close() error { return nil }

func TestTimeoutAbandonsBackendIgnoringContext(t *testing.T) {
	backend := &deafBackend{release: make(chan struct{})}
	t.Cleanup(func() { close(backend.release) })
	f := newFixture(t, backend, nil, Config{BackendTimeout: 30 * time.Millisecond, FragmentTimeout: time.Minute})
	ctx := context.Background()

	start := time.Now()
	if _, err := f.pipeline.StartTurn(ctx, "u1", "Hi", DefaultRequest()); !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("StartTurn() error = %v, want backend timeout", err)
	}
	s, err := f.pipeline.StartTurnStream(ctx, "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurnStream() error = %v", err)
	}
	if _, _, err := collect(t, s); !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("stream error = %v, want backend timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("turns against a stuck backend took %s", elapsed)
	}
	if got := len(bufferOf(t, f, "u1")); got != 0 {
		t.Fatalf("buffer len = %d, want rewound", got)
	}
}
