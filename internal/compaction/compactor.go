// Package compaction folds recent conversation turns into the rolling
// per-user summary.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/inference"
	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/observability"
	"github.com/antoniostano/lilith/internal/prompt"
	"github.com/antoniostano/lilith/internal/transcript"
)

var (
	ErrNothingToCompact = errors.New("no recent turns to compact")
	ErrEmptySummary     = errors.New("backend returned an empty summary")
	ErrClosed           = errors.New("compactor closed")
)

// Cadence decides which completed turn pairs trigger compaction.
type Cadence struct {
	Every int
}

func NewCadence(every int) Cadence {
	if every <= 0 {
		every = 5
	}
	return Cadence{Every: every}
}

// Due is true on pairs Every, 2*Every, 3*Every and so on.
func (c Cadence) Due(completedPairs int) bool {
	return c.Every > 0 && completedPairs > 0 && completedPairs%c.Every == 0
}

type Config struct {
	Timeout  time.Duration
	Episodes bool
	Params   inference.Params
}

// Per-user scheduling states.
const (
	stateRunning uint8 = 1
	stateQueued  uint8 = 2
)

// Compactor replaces a user's summary with a backend-written one. Compact is
// synchronous; Schedule runs it in the background with at most one run per
// user and one queued snapshot behind it.
type Compactor struct {
	backend inference.Backend
	store   memory.Store
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   map[string]uint8
	pending map[string][]transcript.Turn
	running map[string]*userRun
	closed  bool
}

// userRun serializes Compact calls of one user so each run reads the summary
// the previous one wrote.
type userRun struct {
	slot chan struct{}
	refs int
}

func New(backend inference.Backend, store memory.Store, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Compactor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Params.MaxNewTokens == 0 {
		cfg.Params = inference.DefaultParams()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Compactor{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		state:   make(map[string]uint8),
		pending: make(map[string][]transcript.Turn),
		running: make(map[string]*userRun),
	}
}

// Compact summarizes recent together with the previous summary and
// overwrites the stored summary. On any failure the previous summary is left
// untouched. Runs for the same user, scheduled or not, never overlap.
func (c *Compactor) Compact(ctx context.Context, userID string, recent []transcript.Turn) (memory.Summary, error) {
	if len(recent) == 0 {
		return memory.Summary{}, ErrNothingToCompact
	}
	release, err := c.acquire(ctx, userID)
	if err != nil {
		return memory.Summary{}, err
	}
	defer release()
	start := time.Now()

	prev, _, err := c.store.Summary(ctx, userID)
	if err != nil {
		c.metrics.ObserveCompaction("store_error")
		return memory.Summary{}, fmt.Errorf("read previous summary: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.generate(ctx, prompt.SummaryPrompt(recent, prev.Text))
	if err != nil {
		c.metrics.ObserveCompaction("backend_error")
		return memory.Summary{}, fmt.Errorf("summarize: %w", err)
	}
	if text == "" {
		c.metrics.ObserveCompaction("empty")
		return memory.Summary{}, ErrEmptySummary
	}

	next := memory.Summary{UserID: userID, Text: text, UpdatedAt: c.now()}
	if err := c.store.PutSummary(ctx, next); err != nil {
		c.metrics.ObserveCompaction("store_error")
		c.metrics.ObservePersistenceFailure("put_summary")
		return memory.Summary{}, fmt.Errorf("write summary: %w", err)
	}
	c.metrics.ObserveCompaction("ok")
	c.metrics.ObserveTurnStage(observability.StageCompaction, time.Since(start))
	c.logger.Info("memory compacted",
		zap.String("user_id", userID),
		zap.Int("turns", len(recent)),
		zap.Int("summary_len", len(text)),
	)

	if c.cfg.Episodes {
		c.extractEpisode(ctx, userID, recent)
	}
	return next, nil
}

func (c *Compactor) acquire(ctx context.Context, userID string) (func(), error) {
	c.mu.Lock()
	run := c.running[userID]
	if run == nil {
		run = &userRun{slot: make(chan struct{}, 1)}
		c.running[userID] = run
	}
	run.refs++
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		if run.refs--; run.refs == 0 {
			delete(c.running, userID)
		}
		c.mu.Unlock()
	}
	select {
	case run.slot <- struct{}{}:
		return func() {
			<-run.slot
			done()
		}, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}

func (c *Compactor) extractEpisode(ctx context.Context, userID string, recent []transcript.Turn) {
	text, err := c.generate(ctx, prompt.EpisodePrompt(recent))
	if err == nil && text == "" {
		return
	}
	if err == nil {
		err = c.store.AppendMemory(ctx, memory.MemoryRecord{
			ID:        uuid.NewString(),
			UserID:    userID,
			Text:      text,
			CreatedAt: c.now(),
		})
	}
	if err != nil {
		c.logger.Warn("episodic memory failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *Compactor) generate(ctx context.Context, promptText string) (string, error) {
	raw, err := c.backend.Generate(ctx, promptText, c.cfg.Params)
	if err != nil {
		return "", inference.Classify(err)
	}
	text, matched := prompt.StripOutput(promptText, raw, c.cfg.Params.Stop)
	if !matched {
		c.metrics.ObservePromptMismatch("compaction")
	}
	return text, nil
}

// Schedule compacts snapshot in the background. While a run for userID is in
// flight, the newest snapshot waits in a single queued slot.
//
//	absent       → stateRunning  launch goroutine
//	stateRunning → stateQueued   keep snapshot for the next run
//	stateQueued  → stateQueued   replace the queued snapshot
func (c *Compactor) Schedule(userID string, snapshot []transcript.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Debug("compaction dropped after close", zap.String("user_id", userID))
		return
	}

	switch c.state[userID] {
	case stateRunning, stateQueued:
		c.state[userID] = stateQueued
		c.pending[userID] = snapshot
		return
	}

	c.state[userID] = stateRunning
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if _, err := c.Compact(c.ctx, userID, snapshot); err != nil {
				c.logger.Warn("memory compaction failed, keeping previous summary",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}

			c.mu.Lock()
			if c.state[userID] == stateQueued {
				c.state[userID] = stateRunning
				snapshot = c.pending[userID]
				delete(c.pending, userID)
				c.mu.Unlock()
				continue
			}
			delete(c.state, userID)
			c.mu.Unlock()
			return
		}
	}()
}

// Wait blocks until every scheduled compaction has finished.
func (c *Compactor) Wait() {
	c.wg.Wait()
}

// Close stops accepting work, cancels in-flight backend calls once ctx is
// done and waits for the workers to exit.
func (c *Compactor) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
