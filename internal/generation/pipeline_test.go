package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/antoniostano/lilith/internal/compaction"
	"github.com/antoniostano/lilith/internal/conversation"
	"github.com/antoniostano/lilith/internal/inference"
	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoBackend decodes like a causal LM: the prompt followed by reply.
type echoBackend struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	echo    bool
	runes   int
	err     error
}

func (b *echoBackend) record(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
}

func (b *echoBackend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func (b *echoBackend) decode(prompt string) string {
	if b.echo {
		return prompt + b.reply
	}
	return b.reply
}

func (b *echoBackend) Generate(_ context.Context, prompt string, _ inference.Params) (string, error) {
	b.record(prompt)
	if b.err != nil {
		return "", b.err
	}
	return b.decode(prompt), nil
}

func (b *echoBackend) Stream(_ context.Context, prompt string, _ inference.Params, onFragment inference.FragmentHandler) error {
	b.record(prompt)
	if b.err != nil {
		return b.err
	}
	for _, f := range inference.SplitFragments(b.decode(prompt), b.runes) {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *echoBackend) Close() error { return nil }

// stallBackend waits for ctx after optionally emitting a first fragment.
type stallBackend struct {
	first string
}

func (b *stallBackend) Generate(ctx context.Context, _ string, _ inference.Params) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *stallBackend) Stream(ctx context.Context, _ string, _ inference.Params, onFragment inference.FragmentHandler) error {
	if b.first != "" {
		if err := onFragment(b.first); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *stallBackend) Close() error { return nil }

// failingStore loses every turn write.
type failingStore struct {
	*memory.InMemoryStore
}

func (s failingStore) AppendTurns(context.Context, ...memory.TurnRecord) error {
	return errors.New("disk full")
}

type fixture struct {
	pipeline  *Pipeline
	store     memory.Store
	compactor *compaction.Compactor
	manager   *conversation.Manager
}

func newFixture(t *testing.T, backend inference.Backend, store memory.Store, cfg Config) fixture {
	t.Helper()
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	manager := conversation.NewManager(store, transcript.Window{LastN: 20}, time.Minute, nil)
	compactor := compaction.New(backend, store, compaction.Config{}, nil, nil)
	t.Cleanup(func() { _ = compactor.Close(context.Background()) })
	return fixture{
		pipeline:  NewPipeline(backend, store, manager, compactor, cfg, nil, nil),
		store:     store,
		compactor: compactor,
		manager:   manager,
	}
}

func bufferOf(t *testing.T, f fixture, userID string) []transcript.Turn {
	t.Helper()
	turns, err := f.manager.Snapshot(userID)
	if err != nil {
		t.Fatalf("Snapshot(%q) error = %v", userID, err)
	}
	return turns
}

func storedTurns(t *testing.T, f fixture, userID string) []memory.TurnRecord {
	t.Helper()
	records, err := f.store.RecentTurns(context.Background(), userID, transcript.Window{})
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	return records
}

var ignoreTimestamp = cmpopts.IgnoreFields(transcript.Turn{}, "Timestamp")

func TestStartTurnFirstExchange(t *testing.T) {
	backend := &echoBackend{reply: "Hello!", echo: true}
	f := newFixture(t, backend, nil, Config{IncludeSummary: true})

	res, err := f.pipeline.StartTurn(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if got := backend.Prompts(); len(got) != 1 || got[0] != "user: Hi\nassistant: " {
		t.Fatalf("backend prompt = %q, want %q", got, "user: Hi\nassistant: ")
	}
	if res.Output != "Hello!" || res.Input != "Hi" || res.PromptMismatch {
		t.Fatalf("StartTurn() = %+v, want output Hello!", res)
	}
	if res.FullContext != "user: Hi\nassistant: Hello!" {
		t.Fatalf("FullContext = %q", res.FullContext)
	}
	want := []transcript.Turn{
		{Role: transcript.RoleUser, Text: "Hi"},
		{Role: transcript.RoleAssistant, Text: "Hello!"},
	}
	if diff := cmp.Diff(want, bufferOf(t, f, "u1"), ignoreTimestamp); diff != "" {
		t.Fatalf("buffer mismatch (-want +got):\n%s", diff)
	}
	records := storedTurns(t, f, "u1")
	if len(records) != 2 || records[0].ExchangeID == "" || records[0].ExchangeID != records[1].ExchangeID {
		t.Fatalf("stored records = %+v, want one exchange pair", records)
	}
}

func TestStartTurnUsesHistoryAndSummary(t *testing.T) {
	backend := &echoBackend{reply: "Sure.", echo: true}
	f := newFixture(t, backend, nil, Config{IncludeSummary: true, Persona: "You are warm."})
	ctx := context.Background()
	if err := f.store.PutSummary(ctx, memory.Summary{UserID: "u1", Text: "Likes cats."}); err != nil {
		t.Fatalf("PutSummary() error = %v", err)
	}
	if _, err := f.pipeline.StartTurn(ctx, "u1", "Hi", DefaultRequest()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, err := f.pipeline.StartTurn(ctx, "u1", "Again", DefaultRequest()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	want := "You are warm.\n\nSummary of earlier conversation:\nLikes cats.\n\n" +
		"user: Hi\nassistant: Sure.\nuser: Again\nassistant: "
	if got := backend.Prompts()[1]; got != want {
		t.Fatalf("second prompt = %q, want %q", got, want)
	}
}

func TestStartTurnMismatchFallsBackToWholeOutput(t *testing.T) {
	backend := &echoBackend{reply: "  Hello!\n"}
	f := newFixture(t, backend, nil, Config{})
	res, err := f.pipeline.StartTurn(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if res.Output != "Hello!" || !res.PromptMismatch {
		t.Fatalf("StartTurn() = %+v, want whole output flagged", res)
	}
}

func TestStartTurnFailureLeavesNoTrace(t *testing.T) {
	backend := &echoBackend{reply: "Hello!", echo: true}
	f := newFixture(t, backend, nil, Config{})
	ctx := context.Background()
	if _, err := f.pipeline.StartTurn(ctx, "u1", "Hi", DefaultRequest()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	backend.err = errors.New("connection refused")
	_, err := f.pipeline.StartTurn(ctx, "u1", "Are you there?", DefaultRequest())
	if !errors.Is(err, ErrGenerationFailed) || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("StartTurn() error = %v, want generation failed / unavailable", err)
	}
	if got := len(bufferOf(t, f, "u1")); got != 2 {
		t.Fatalf("buffer len after failure = %d, want 2", got)
	}
	if got := len(storedTurns(t, f, "u1")); got != 2 {
		t.Fatalf("stored turns after failure = %d, want 2", got)
	}
}

func TestStartTurnTimeout(t *testing.T) {
	f := newFixture(t, &stallBackend{}, nil, Config{BackendTimeout: 20 * time.Millisecond})
	_, err := f.pipeline.StartTurn(context.Background(), "u1", "Hi", DefaultRequest())
	if !errors.Is(err, ErrGenerationFailed) || !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("StartTurn() error = %v, want backend timeout", err)
	}
}

func TestStartTurnRejectsBadParamsBeforeAnyChange(t *testing.T) {
	backend := &echoBackend{reply: "x", echo: true}
	f := newFixture(t, backend, nil, Config{})
	req := DefaultRequest()
	req.Params.Temperature = -1

	_, err := f.pipeline.StartTurn(context.Background(), "u1", "Hi", req)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "temperature" {
		t.Fatalf("StartTurn() error = %v, want ConfigurationError on temperature", err)
	}
	if n := len(backend.Prompts()); n != 0 {
		t.Fatalf("backend calls = %d, want 0", n)
	}
	if f.manager.ActiveCount() != 0 {
		t.Fatalf("conversation created for rejected request")
	}
}

func TestStartTurnWithoutContext(t *testing.T) {
	backend := &echoBackend{reply: " raw reply", echo: true}
	f := newFixture(t, backend, nil, Config{IncludeSummary: true})
	req := DefaultRequest()
	req.UseContext = false

	res, err := f.pipeline.StartTurn(context.Background(), "u1", "plain question", req)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if got := backend.Prompts()[0]; got != "plain question" {
		t.Fatalf("prompt = %q, want raw input", got)
	}
	if res.Output != "raw reply" {
		t.Fatalf("Output = %q, want %q", res.Output, "raw reply")
	}
	if got := len(bufferOf(t, f, "u1")); got != 0 {
		t.Fatalf("buffer len = %d, want untouched", got)
	}
	if got := len(storedTurns(t, f, "u1")); got != 2 {
		t.Fatalf("stored turns = %d, want 2", got)
	}
}

func TestPersistenceFailureDoesNotBlockReply(t *testing.T) {
	backend := &echoBackend{reply: "Hello!", echo: true}
	f := newFixture(t, backend, failingStore{memory.NewInMemoryStore()}, Config{})

	res, err := f.pipeline.StartTurn(context.Background(), "u1", "Hi", DefaultRequest())
	if err != nil {
		t.Fatalf("StartTurn() error = %v, want reply despite store failure", err)
	}
	if res.Output != "Hello!" {
		t.Fatalf("Output = %q", res.Output)
	}
	var perr *PersistenceError
	if !errors.As(res.PersistErr, &perr) || perr.Op != "append_turns" {
		t.Fatalf("PersistErr = %v, want append_turns PersistenceError", res.PersistErr)
	}
	if got := len(bufferOf(t, f, "u1")); got != 2 {
		t.Fatalf("buffer len = %d, want 2", got)
	}
}

func TestCompactionCadence(t *testing.T) {
	backend := inference.NewMockBackend()
	f := newFixture(t, backend, nil, Config{Cadence: compaction.NewCadence(5)})
	ctx := context.Background()

	turn := func(n int) {
		t.Helper()
		if _, err := f.pipeline.StartTurn(ctx, "u1", "message", DefaultRequest()); err != nil {
			t.Fatalf("turn %d error = %v", n, err)
		}
		f.compactor.Wait()
	}
	summaryWrites := func() time.Time {
		s, ok, err := f.store.Summary(ctx, "u1")
		if err != nil {
			t.Fatalf("Summary() error = %v", err)
		}
		if !ok {
			return time.Time{}
		}
		if s.Text == "" {
			t.Fatalf("summary is empty")
		}
		return s.UpdatedAt
	}

	for n := 1; n <= 4; n++ {
		turn(n)
		if !summaryWrites().IsZero() {
			t.Fatalf("summary written after turn %d", n)
		}
	}
	turn(5)
	first := summaryWrites()
	if first.IsZero() {
		t.Fatalf("no summary after turn 5")
	}
	for n := 6; n <= 9; n++ {
		turn(n)
		if got := summaryWrites(); !got.Equal(first) {
			t.Fatalf("summary rewritten after turn %d", n)
		}
	}
	turn(10)
	if got := summaryWrites(); got.Equal(first) {
		t.Fatalf("summary not rewritten after turn 10")
	}
}

func TestCompactMemoryOnDemand(t *testing.T) {
	backend := inference.NewMockBackend()
	f := newFixture(t, backend, nil, Config{})
	ctx := context.Background()
	if _, err := f.pipeline.StartTurn(ctx, "u1", "I adopted a cat", DefaultRequest()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	sum, err := f.pipeline.CompactMemory(ctx, "u1")
	if err != nil {
		t.Fatalf("CompactMemory() error = %v", err)
	}
	if !strings.Contains(sum.Text, "I heard you") {
		t.Fatalf("summary = %q", sum.Text)
	}
	if n := f.pipeline.SweepCompaction(ctx); n != 0 {
		t.Fatalf("SweepCompaction() = %d, want nothing pending", n)
	}
	if _, err := f.pipeline.StartTurn(ctx, "u1", "It is orange", DefaultRequest()); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if n := f.pipeline.SweepCompaction(ctx); n != 1 {
		t.Fatalf("SweepCompaction() = %d, want 1", n)
	}
	f.compactor.Wait()
}

func TestTranscriptReadsDurableTurns(t *testing.T) {
	f := newFixture(t, &echoBackend{reply: "ok", echo: true}, nil, Config{})
	ctx := context.Background()
	for _, in := range []string{"one", "two", "three"} {
		if _, err := f.pipeline.StartTurn(ctx, "u1", in, DefaultRequest()); err != nil {
			t.Fatalf("StartTurn() error = %v", err)
		}
	}
	got, err := f.pipeline.Transcript(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	want := []transcript.Turn{
		{Role: transcript.RoleUser, Text: "three"},
		{Role: transcript.RoleAssistant, Text: "ok"},
	}
	if diff := cmp.Diff(want, got, ignoreTimestamp); diff != "" {
		t.Fatalf("Transcript() mismatch (-want +got):\n%s", diff)
	}
}

func TestCompactionTrimsBuffer(t *testing.T) {
	f := newFixture(t, inference.NewMockBackend(), nil, Config{
		Cadence:          compaction.NewCadence(5),
		HistoryWindow:    transcript.Window{LastN: 4},
		CompactionWindow: transcript.Window{LastN: 10},
	})
	ctx := context.Background()
	longest := 0
	for n := 1; n <= 60; n++ {
		if _, err := f.pipeline.StartTurn(ctx, "u1", fmt.Sprintf("message %d", n), DefaultRequest()); err != nil {
			t.Fatalf("turn %d error = %v", n, err)
		}
		longest = max(longest, len(bufferOf(t, f, "u1")))
	}
	f.compactor.Wait()

	buf := bufferOf(t, f, "u1")
	if len(buf) != 10 {
		t.Fatalf("buffer len after 60 turns = %d, want 10", len(buf))
	}
	if longest > 20 {
		t.Fatalf("buffer grew to %d turns, want at most 20", longest)
	}
	if last := buf[len(buf)-2]; last.Text != "message 60" {
		t.Fatalf("newest user turn = %q, want %q", last.Text, "message 60")
	}
	if got := len(storedTurns(t, f, "u1")); got != 120 {
		t.Fatalf("stored turns = %d, want 120", got)
	}
}

func TestCadenceRestartsAfterOnDemandCompaction(t *testing.T) {
	backend := &echoBackend{reply: "ok", echo: true}
	f := newFixture(t, backend, nil, Config{Cadence: compaction.NewCadence(5)})
	ctx := context.Background()
	turn := func(n int) {
		t.Helper()
		if _, err := f.pipeline.StartTurn(ctx, "u1", "message", DefaultRequest()); err != nil {
			t.Fatalf("turn %d error = %v", n, err)
		}
		f.compactor.Wait()
	}

	for n := 1; n <= 3; n++ {
		turn(n)
	}
	if _, err := f.pipeline.CompactMemory(ctx, "u1"); err != nil {
		t.Fatalf("CompactMemory() error = %v", err)
	}
	if got := len(backend.Prompts()); got != 4 {
		t.Fatalf("backend calls after on-demand compaction = %d, want 4", got)
	}
	for n := 4; n <= 7; n++ {
		turn(n)
	}
	if got := len(backend.Prompts()); got != 8 {
		t.Fatalf("backend calls after pair 7 = %d, want 8 (no cadence compaction yet)", got)
	}
	turn(8)
	if got := len(backend.Prompts()); got != 10 {
		t.Fatalf("backend calls after pair 8 = %d, want 10 (turn and compaction)", got)
	}
}
