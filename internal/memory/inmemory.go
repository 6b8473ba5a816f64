package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/lilith/internal/transcript"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]TurnRecord
	summaries map[string]Summary
	memories  map[string][]MemoryRecord
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[string][]TurnRecord),
		summaries: make(map[string]Summary),
		memories:  make(map[string][]MemoryRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) AppendTurns(_ context.Context, records ...TurnRecord) error {
	prepared := make([]TurnRecord, 0, len(records))
	for _, record := range records {
		if err := validateTurn(record); err != nil {
			return err
		}
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = s.now()
		}
		prepared = append(prepared, record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range prepared {
		s.records[record.UserID] = append(s.records[record.UserID], record)
	}
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, userID string, window transcript.Window) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	start := window.Start(len(arr), func(i int) time.Time { return arr[i].CreatedAt }, s.now())
	out := make([]TurnRecord, len(arr)-start)
	copy(out, arr[start:])
	return out, nil
}

func (s *InMemoryStore) Summary(_ context.Context, userID string) (Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[userID]
	return sum, ok, nil
}

func (s *InMemoryStore) PutSummary(_ context.Context, summary Summary) error {
	if summary.UserID == "" {
		return ErrInvalidRecord
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.UserID] = summary
	return nil
}

func (s *InMemoryStore) AppendMemory(_ context.Context, record MemoryRecord) error {
	if record.UserID == "" {
		return ErrInvalidRecord
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[record.UserID] = append(s.memories[record.UserID], record)
	return nil
}

func (s *InMemoryStore) Memories(_ context.Context, userID string, limit int) ([]MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.memories[userID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]MemoryRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
