package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/antoniostano/lilith/internal/transcript"
)

// SQLiteStore persists conversational memory in a single SQLite file.
// Timestamps are stored as unix nanoseconds so ordering is exact.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite is single-writer; one shared connection keeps writers serialized
	// by database/sql instead of contending for the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_user_created ON chat_turns (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_summaries (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			memory TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories (user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := validateTurn(r); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_turns (id, user_id, exchange_id, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.UserID,
			record.ExchangeID,
			string(record.Role),
			record.Content,
			record.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("save turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, userID string, window transcript.Window) ([]TurnRecord, error) {
	var since int64
	if window.Age > 0 {
		since = time.Now().UTC().Add(-window.Age).UnixNano()
	}
	limit := -1
	if window.LastN > 0 {
		limit = window.LastN
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, exchange_id, role, content, created_at
		 FROM chat_turns WHERE user_id = ? AND created_at >= ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		userID,
		since,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var (
			r    TurnRecord
			role string
			ts   int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ExchangeID, &role, &r.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Role = transcript.Role(role)
		r.CreatedAt = time.Unix(0, ts).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) Summary(ctx context.Context, userID string) (Summary, bool, error) {
	var (
		sum = Summary{UserID: userID}
		ts  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, updated_at FROM user_summaries WHERE user_id = ?`,
		userID,
	).Scan(&sum.Text, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("query summary: %w", err)
	}
	sum.UpdatedAt = time.Unix(0, ts).UTC()
	return sum, true, nil
}

func (s *SQLiteStore) PutSummary(ctx context.Context, summary Summary) error {
	if summary.UserID == "" {
		return ErrInvalidRecord
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_summaries (user_id, summary, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		summary.UserID,
		summary.Text,
		summary.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMemory(ctx context.Context, record MemoryRecord) error {
	if record.UserID == "" {
		return ErrInvalidRecord
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, memory, created_at) VALUES (?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.Text,
		record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Memories(ctx context.Context, userID string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, memory, created_at FROM memories
		 WHERE user_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var items []MemoryRecord
	for rows.Next() {
		var (
			r  MemoryRecord
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		r.CreatedAt = time.Unix(0, ts).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
