// Package memory is the durable side of a conversation: the turn log, the
// rolling per-user summary and episodic memories.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/lilith/internal/transcript"
)

var ErrInvalidRecord = errors.New("invalid memory record")

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ExchangeID string          `json:"exchange_id"`
	Role       transcript.Role `json:"role"`
	Content    string          `json:"content"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r TurnRecord) Turn() transcript.Turn {
	return transcript.Turn{Role: r.Role, Text: r.Content, Timestamp: r.CreatedAt}
}

// Summary is the single live condensed history of one user. Writes replace it.
type Summary struct {
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryRecord is an episodic memory distilled from a stretch of conversation.
// Unlike Summary these accumulate.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversational memory.
type Store interface {
	// AppendTurns writes all records or none of them.
	AppendTurns(ctx context.Context, records ...TurnRecord) error
	// RecentTurns returns the user's turns inside the window in chronological order.
	RecentTurns(ctx context.Context, userID string, window transcript.Window) ([]TurnRecord, error)
	// Summary returns the live summary and whether one exists.
	Summary(ctx context.Context, userID string) (Summary, bool, error)
	PutSummary(ctx context.Context, summary Summary) error
	AppendMemory(ctx context.Context, record MemoryRecord) error
	// Memories returns the newest episodic memories, oldest first.
	Memories(ctx context.Context, userID string, limit int) ([]MemoryRecord, error)
	Close() error
}

// TurnsOf converts records to transcript turns.
func TurnsOf(records []TurnRecord) []transcript.Turn {
	out := make([]transcript.Turn, 0, len(records))
	for _, r := range records {
		out = append(out, r.Turn())
	}
	return out
}

func validateTurn(r TurnRecord) error {
	if r.UserID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing user id"))
	}
	if !r.Role.Valid() {
		return errors.Join(ErrInvalidRecord, errors.New("unknown role "+string(r.Role)))
	}
	return nil
}
