package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/lilith/internal/transcript"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_user_created ON chat_turns (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS user_summaries (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			memory TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurns(ctx context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := validateTurn(r); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO chat_turns (id, user_id, exchange_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID,
			record.UserID,
			record.ExchangeID,
			string(record.Role),
			record.Content,
			record.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save turns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, userID string, window transcript.Window) ([]TurnRecord, error) {
	since := time.Time{}
	if window.Age > 0 {
		since = time.Now().UTC().Add(-window.Age)
	}
	var limit any
	if window.LastN > 0 {
		limit = window.LastN
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, exchange_id, role, content, created_at
		 FROM chat_turns WHERE user_id=$1 AND created_at >= $2
		 ORDER BY created_at DESC, seq DESC LIMIT $3`,
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
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ExchangeID, &role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Role = transcript.Role(role)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	slices.Reverse(items)

	return items, nil
}

func (s *PostgresStore) Summary(ctx context.Context, userID string) (Summary, bool, error) {
	sum := Summary{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT summary, updated_at FROM user_summaries WHERE user_id=$1`,
		userID,
	).Scan(&sum.Text, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("query summary: %w", err)
	}
	return sum, true, nil
}

func (s *PostgresStore) PutSummary(ctx context.Context, summary Summary) error {
	if summary.UserID == "" {
		return ErrInvalidRecord
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_summaries (user_id, summary, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		summary.UserID,
		summary.Text,
		summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMemory(ctx context.Context, record MemoryRecord) error {
	if record.UserID == "" {
		return ErrInvalidRecord
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, memory, created_at) VALUES ($1, $2, $3, $4)`,
		record.ID,
		record.UserID,
		record.Text,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) Memories(ctx context.Context, userID string, limit int) ([]MemoryRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, memory, created_at FROM memories
		 WHERE user_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		userID,
		lim,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var items []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	slices.Reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
