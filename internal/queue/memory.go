package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// MemoryStore keeps queues in process memory. It backs local runs and tests
// and serves as the last-resort fallback when no durable backend answers.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]events.QueuedNotification
	lastSeq  map[string]int64
	logger   zerolog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(capacity int, logger zerolog.Logger) (*MemoryStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &MemoryStore{
		capacity: capacity,
		queues:   make(map[string][]events.QueuedNotification),
		lastSeq:  make(map[string]int64),
		logger:   logger.With().Str("component", "MemoryStore").Logger(),
	}, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq[userID]++
	n := events.QueuedNotification{
		UserID:    userID,
		Sequence:  s.lastSeq[userID],
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: createdAt,
	}

	q := append(s.queues[userID], n)
	if over := len(q) - s.capacity; over > 0 {
		s.logger.Warn().Str("user", userID).Int("dropped", over).Msg("Queue full. Dropping oldest notifications.")
		q = append([]events.QueuedNotification(nil), q[over:]...)
	}
	s.queues[userID] = q
	return n, nil
}

// Drain implements Store.
func (s *MemoryStore) Drain(_ context.Context, userID string) ([]events.QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[userID]
	delete(s.queues, userID)
	return q, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[userID]), nil
}
