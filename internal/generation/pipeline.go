// Package generation runs conversation turns end to end: context building,
// backend invocation, prompt stripping, persistence and compaction cadence.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/compaction"
	"github.com/antoniostano/lilith/internal/conversation"
	"github.com/antoniostano/lilith/internal/inference"
	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/observability"
	"github.com/antoniostano/lilith/internal/prompt"
	"github.com/antoniostano/lilith/internal/transcript"
)

const (
	persistTimeout = 10 * time.Second
	// how long a backend call may outlive its context before it is abandoned
	abandonAfter = 250 * time.Millisecond
)

// Request carries the per-turn options. With UseContext false the prompt is
// the raw user text and the transcript buffer is left alone.
type Request struct {
	Params     inference.Params `json:"params"`
	UseContext bool             `json:"use_context"`
}

func DefaultRequest() Request {
	return Request{Params: inference.DefaultParams(), UseContext: true}
}

// TurnResult is what a completed turn hands back. FullContext is the buffer
// rendered after the turn.
type TurnResult struct {
	UserID         string `json:"user_id"`
	Input          string `json:"input"`
	Output         string `json:"output"`
	FullContext    string `json:"full_context"`
	PromptMismatch bool   `json:"prompt_mismatch,omitempty"`
	// PersistErr is set when the reply was produced but could not be stored.
	PersistErr error `json:"-"`
}

type Config struct {
	Persona          string
	IncludeSummary   bool
	HistoryWindow    transcript.Window
	CompactionWindow transcript.Window
	Cadence          compaction.Cadence
	BackendTimeout   time.Duration
	FragmentTimeout  time.Duration
	StreamBuffer     int
	Defaults         Request
}

func (c Config) withDefaults() Config {
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 2 * time.Minute
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = 10 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 16
	}
	if c.Cadence.Every <= 0 {
		c.Cadence = compaction.NewCadence(0)
	}
	if c.Defaults.Params.MaxNewTokens == 0 {
		c.Defaults = DefaultRequest()
	}
	return c
}

// Pipeline serves turns for many users. Turns of one user are serialized by
// the conversation lock; different users run in parallel.
type Pipeline struct {
	backend       inference.Backend
	store         memory.Store
	conversations *conversation.Manager
	compactor     *compaction.Compactor
	compiler      prompt.Compiler
	cfg           Config
	logger        *zap.Logger
	metrics       *observability.Metrics
}

func NewPipeline(
	backend inference.Backend,
	store memory.Store,
	conversations *conversation.Manager,
	compactor *compaction.Compactor,
	cfg Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		backend:       backend,
		store:         store,
		conversations: conversations,
		compactor:     compactor,
		compiler:      prompt.NewCompiler(cfg.IncludeSummary),
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
	}
}

// Defaults returns the configured request defaults.
func (p *Pipeline) Defaults() Request {
	return p.cfg.Defaults
}

// turnState is what context building leaves behind for the rest of a turn.
type turnState struct {
	conv     *conversation.Conversation
	prompt   string
	userTurn transcript.Turn
	prevLen  int
	started  time.Time
}

// beginTurn validates, takes the user lock and builds the prompt. On success
// the caller owns st.conv and must Release it.
func (p *Pipeline) beginTurn(ctx context.Context, userID, text string, req Request) (*turnState, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	conv, err := p.conversations.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.metrics.SetActiveConversations(p.conversations.ActiveCount())

	st := &turnState{conv: conv, prevLen: conv.Buffer.Len(), started: started}
	if !req.UseContext {
		st.prompt = text
		st.userTurn = transcript.NewTurn(transcript.RoleUser, text)
	} else {
		history := conv.Buffer.Recent(p.cfg.HistoryWindow)
		st.prompt = p.compiler.Compile(p.cfg.Persona, p.summary(ctx, userID), history, text)
		st.userTurn = conv.Buffer.Append(transcript.RoleUser, text)
	}
	p.metrics.ObserveTurnStage(observability.StageContextBuilt, time.Since(started))
	return st, nil
}

// summary reads the live summary. A store failure degrades to no summary.
func (p *Pipeline) summary(ctx context.Context, userID string) string {
	if !p.cfg.IncludeSummary {
		return ""
	}
	s, ok, err := p.store.Summary(ctx, userID)
	if err != nil {
		p.logger.Warn("summary read failed, compiling without it",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return s.Text
}

// abort rewinds the buffer so a failed turn leaves no trace.
func (p *Pipeline) abort(st *turnState) {
	st.conv.Buffer.Truncate(st.prevLen)
}

// finish records the assistant turn, writes the pair and advances the
// compaction cadence. It runs under the user lock.
func (p *Pipeline) finish(ctx context.Context, st *turnState, mode, output string, mismatch bool, req Request) TurnResult {
	userID := st.conv.UserID
	if mismatch {
		p.metrics.ObservePromptMismatch(mode)
		p.logger.Warn("backend output did not echo the prompt, using it whole",
			zap.String("user_id", userID),
			zap.String("mode", mode),
			zap.Int("prompt_len", len(st.prompt)),
			zap.Int("output_len", len(output)),
		)
	}

	var assistantTurn transcript.Turn
	if req.UseContext {
		assistantTurn = st.conv.Buffer.Append(transcript.RoleAssistant, output)
	} else {
		assistantTurn = transcript.NewTurn(transcript.RoleAssistant, output)
	}

	persistStart := time.Now()
	persistErr := p.persist(ctx, userID, st.userTurn, assistantTurn)
	p.metrics.ObserveTurnStage(observability.StagePersisted, time.Since(persistStart))

	if req.UseContext {
		p.advanceCadence(st.conv)
	}
	p.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(st.started))
	p.metrics.ObserveTurn(mode, outcome(nil))

	return TurnResult{
		UserID:         userID,
		Input:          st.userTurn.Text,
		Output:         output,
		FullContext:    st.conv.Buffer.Render(),
		PromptMismatch: mismatch,
		PersistErr:     persistErr,
	}
}

// persist writes the user and assistant turns together or not at all. It
// outlives caller cancellation so a delivered reply still reaches the log.
func (p *Pipeline) persist(ctx context.Context, userID string, user, assistant transcript.Turn) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	exchangeID := uuid.NewString()
	records := []memory.TurnRecord{
		{ID: uuid.NewString(), UserID: userID, ExchangeID: exchangeID, Role: user.Role, Content: user.Text, CreatedAt: user.Timestamp},
		{ID: uuid.NewString(), UserID: userID, ExchangeID: exchangeID, Role: assistant.Role, Content: assistant.Text, CreatedAt: assistant.Timestamp},
	}
	if err := p.store.AppendTurns(ctx, records...); err != nil {
		p.metrics.ObservePersistenceFailure("append_turns")
		p.logger.Error("turn pair not persisted",
			zap.String("user_id", userID),
			zap.String("exchange_id", exchangeID),
			zap.Error(err),
		)
		return &PersistenceError{Op: "append_turns", Err: err}
	}
	return nil
}

func (p *Pipeline) advanceCadence(conv *conversation.Conversation) {
	if p.compactor == nil {
		return
	}
	conv.CompletePair()
	if !p.cfg.Cadence.Due(conv.PendingCompaction()) {
		return
	}
	p.scheduleCompaction(conv)
}

func (p *Pipeline) scheduleCompaction(conv *conversation.Conversation) {
	snapshot := p.takeSnapshot(conv)
	if len(snapshot) == 0 {
		return
	}
	p.compactor.Schedule(conv.UserID, snapshot)
}

// takeSnapshot captures the compaction window and restarts the cadence. Once
// the summary covers the snapshot, the buffer only keeps what the history and
// compaction windows can still select. The caller holds the user lock.
func (p *Pipeline) takeSnapshot(conv *conversation.Conversation) []transcript.Turn {
	snapshot := conv.Buffer.Recent(p.cfg.CompactionWindow)
	conv.MarkCompacted()
	if dropped := conv.Buffer.Retain(p.cfg.HistoryWindow, p.cfg.CompactionWindow); dropped > 0 {
		p.logger.Debug("transcript trimmed after compaction",
			zap.String("user_id", conv.UserID),
			zap.Int("dropped", dropped),
		)
	}
	return snapshot
}

// StartTurn runs one blocking turn. Backend and configuration errors come
// back as the error; a storage failure after a successful reply is reported
// in TurnResult.PersistErr instead.
func (p *Pipeline) StartTurn(ctx context.Context, userID, text string, req Request) (TurnResult, error) {
	const mode = "blocking"
	st, err := p.beginTurn(ctx, userID, text, req)
	if err != nil {
		p.metrics.ObserveTurn(mode, outcome(err))
		return TurnResult{}, err
	}
	defer st.conv.Release()

	bctx, cancel := context.WithTimeout(ctx, p.cfg.BackendTimeout)
	backendStart := time.Now()
	var raw string
	err = bounded(bctx, func() error {
		var err error
		raw, err = p.backend.Generate(bctx, st.prompt, req.Params)
		return err
	})
	cancel()
	p.metrics.ObserveGenerationLatency(mode, time.Since(backendStart))
	if err != nil {
		p.abort(st)
		err = generationError(err)
		p.metrics.ObserveTurn(mode, outcome(err))
		p.logger.Warn("generation failed", zap.String("user_id", userID), zap.Error(err))
		return TurnResult{}, err
	}
	p.metrics.ObserveTurnStage(observability.StageBackendDone, time.Since(backendStart))

	output, matched := prompt.StripOutput(st.prompt, raw, req.Params.Stop)
	return p.finish(ctx, st, mode, output, !matched, req), nil
}

// CompactMemory compacts the user's recent window right away and returns
// the new summary. It waits for any running turn of the same user to
// finish before taking its snapshot.
func (p *Pipeline) CompactMemory(ctx context.Context, userID string) (memory.Summary, error) {
	if p.compactor == nil {
		return memory.Summary{}, errors.New("compaction disabled")
	}
	conv, err := p.conversations.Acquire(ctx, userID)
	if err != nil {
		return memory.Summary{}, err
	}
	snapshot := p.takeSnapshot(conv)
	conv.Release()
	return p.compactor.Compact(ctx, userID, snapshot)
}

// SweepCompaction schedules compaction for every idle conversation with
// turns completed since its last compaction. Busy conversations are left
// for the next sweep.
func (p *Pipeline) SweepCompaction(ctx context.Context) int {
	if p.compactor == nil {
		return 0
	}
	scheduled := 0
	for _, userID := range p.conversations.UserIDs() {
		if ctx.Err() != nil {
			break
		}
		conv, ok := p.conversations.TryAcquire(userID)
		if !ok {
			continue
		}
		if conv.PendingCompaction() > 0 {
			p.scheduleCompaction(conv)
			scheduled++
		}
		conv.Release()
	}
	return scheduled
}

// bounded runs call until it returns or shortly after ctx ends. A backend
// that ignores ctx is left running on its own goroutine instead of holding
// the user lock.
func bounded(ctx context.Context, call func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- call() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	grace := time.NewTimer(abandonAfter)
	defer grace.Stop()
	select {
	case err := <-errc:
		return err
	case <-grace.C:
		return ctx.Err()
	}
}

// Memories returns the user's newest episodic memories, oldest first.
func (p *Pipeline) Memories(ctx context.Context, userID string, limit int) ([]memory.MemoryRecord, error) {
	return p.store.Memories(ctx, userID, limit)
}

// Summary returns the user's stored summary.
func (p *Pipeline) Summary(ctx context.Context, userID string) (memory.Summary, bool, error) {
	return p.store.Summary(ctx, userID)
}

// Transcript returns the last limit durable turns of the user.
func (p *Pipeline) Transcript(ctx context.Context, userID string, limit int) ([]transcript.Turn, error) {
	records, err := p.store.RecentTurns(ctx, userID, transcript.Window{LastN: limit})
	if err != nil {
		return nil, err
	}
	return memory.TurnsOf(records), nil
}
