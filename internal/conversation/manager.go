// Package conversation keeps one live Conversation per user: the transcript
// buffer cache, the per-user turn lock and the compaction cadence counter.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/transcript"
)

var ErrNotFound = errors.New("conversation not found")

// Conversation is the in-process state of one user. Buffer writers must hold
// the lock obtained through Manager.Acquire.
type Conversation struct {
	UserID string
	Buffer *transcript.Buffer

	m    *Manager
	lock chan struct{}

	// guarded by m.mu
	refs           int
	lastActivityAt time.Time

	// guarded by lock
	loaded         bool
	completedPairs int
	compactedAt    int
}

// Release unlocks the conversation. It must be called exactly once per
// successful Acquire.
func (c *Conversation) Release() {
	<-c.lock
	c.m.mu.Lock()
	c.refs--
	c.lastActivityAt = c.m.now()
	c.m.mu.Unlock()
}

// CompletePair records one finished user/assistant exchange and returns the
// number of pairs completed since the conversation was loaded.
func (c *Conversation) CompletePair() int {
	c.completedPairs++
	return c.completedPairs
}

func (c *Conversation) CompletedPairs() int { return c.completedPairs }

// PendingCompaction reports how many pairs completed since the last call to
// MarkCompacted.
func (c *Conversation) PendingCompaction() int { return c.completedPairs - c.compactedAt }

func (c *Conversation) MarkCompacted() { c.compactedAt = c.completedPairs }

// Manager is the per-user registry. Unrelated users never contend on the same
// lock; the registry mutex is only held for map bookkeeping.
type Manager struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	store         memory.Store
	loadWindow    transcript.Window
	idleTimeout   time.Duration
	logger        *zap.Logger
	onEvict       func(userID string)
	now           func() time.Time
}

func NewManager(store memory.Store, loadWindow transcript.Window, idleTimeout time.Duration, logger *zap.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conversations: make(map[string]*Conversation),
		store:         store,
		loadWindow:    loadWindow,
		idleTimeout:   idleTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetEvictHook(hook func(userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Acquire returns the user's conversation with its turn lock held, creating
// it on first use. The buffer is filled from the store the first time it is
// acquired. A store failure leaves the buffer empty and is retried on the
// next Acquire while the buffer stays empty.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	m.mu.Lock()
	c, ok := m.conversations[userID]
	if !ok {
		c = &Conversation{
			UserID: userID,
			Buffer: transcript.NewBuffer(),
			m:      m,
			lock:   make(chan struct{}, 1),
		}
		m.conversations[userID] = c
	}
	c.refs++
	c.lastActivityAt = m.now()
	m.mu.Unlock()

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		c.refs--
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	if !c.loaded {
		m.load(ctx, c)
	}
	return c, nil
}

// TryAcquire locks an existing, loaded conversation without waiting. It
// reports false when the user has no live conversation or a turn is running.
func (m *Manager) TryAcquire(userID string) (*Conversation, bool) {
	m.mu.Lock()
	c, ok := m.conversations[userID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	select {
	case c.lock <- struct{}{}:
	default:
		m.mu.Unlock()
		return nil, false
	}
	c.refs++
	m.mu.Unlock()
	if !c.loaded {
		c.Release()
		return nil, false
	}
	return c, true
}

func (m *Manager) load(ctx context.Context, c *Conversation) {
	if c.Buffer.Len() > 0 {
		c.loaded = true
		return
	}
	records, err := m.store.RecentTurns(ctx, c.UserID, m.loadWindow)
	if err != nil {
		m.logger.Warn("conversation history load failed",
			zap.String("user_id", c.UserID),
			zap.Error(err),
		)
		return
	}
	c.Buffer.Reset(memory.TurnsOf(records))
	c.loaded = true
	m.logger.Debug("conversation loaded",
		zap.String("user_id", c.UserID),
		zap.Int("turns", len(records)),
	)
}

// Snapshot returns a copy of the user's buffered turns without taking the
// turn lock.
func (m *Manager) Snapshot(userID string) ([]transcript.Turn, error) {
	m.mu.Lock()
	c, ok := m.conversations[userID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return c.Buffer.Turns(), nil
}

// UserIDs lists the users with a live conversation.
func (m *Manager) UserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		out = append(out, id)
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

// evictIdle drops conversations nobody holds or waits on and that have been
// idle past the timeout. Their history is reloaded from the store on return.
func (m *Manager) evictIdle() {
	now := m.now()
	var evicted []string

	m.mu.Lock()
	for id, c := range m.conversations {
		if c.refs > 0 || now.Sub(c.lastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.conversations, id)
		evicted = append(evicted, id)
	}
	hook := m.onEvict
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Debug("conversation evicted", zap.String("user_id", id))
		if hook != nil {
			hook(id)
		}
	}
}
