package queue

import (
	"context"
	"sync"

	"github.com/example/training-gateway/internal/models"
)

// MemoryStore implements Store with in-process slices. It backs tests;
// durability is bounded by the process lifetime. Dial does not fall back to
// it when no Redis endpoint is reachable.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[Name][]*models.QueuedMessage
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: map[Name][]*models.QueuedMessage{
			Main:       {},
			DeadLetter: {},
		},
	}
}

// Push inserts at the head.
func (s *MemoryStore) Push(_ context.Context, queue Name, msg *models.QueuedMessage) error {
	if _, ok := queue.Key(); !ok {
		return ErrUnknownQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.queues[queue] = append([]*models.QueuedMessage{&cp}, s.queues[queue]...)
	return nil
}

// Pop removes from the tail, the oldest message.
func (s *MemoryStore) Pop(_ context.Context, queue Name) (*models.QueuedMessage, error) {
	if _, ok := queue.Key(); !ok {
		return nil, ErrUnknownQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	msg := items[len(items)-1]
	s.queues[queue] = items[:len(items)-1]
	return msg, nil
}

// Peek returns up to limit messages from the tail end, oldest first.
func (s *MemoryStore) Peek(_ context.Context, queue Name, limit int) ([]*models.QueuedMessage, error) {
	if _, ok := queue.Key(); !ok {
		return nil, ErrUnknownQueue
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	if limit > len(items) {
		limit = len(items)
	}
	out := make([]*models.QueuedMessage, 0, limit)
	for i := len(items) - 1; i >= len(items)-limit; i-- {
		cp := *items[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Remove deletes and returns the first message with the given id.
func (s *MemoryStore) Remove(_ context.Context, queue Name, id string) (*models.QueuedMessage, error) {
	if _, ok := queue.Key(); !ok {
		return nil, ErrUnknownQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	for i, msg := range items {
		if msg.ID == id {
			s.queues[queue] = append(append([]*models.QueuedMessage{}, items[:i]...), items[i+1:]...)
			return msg, nil
		}
	}
	return nil, ErrNotFound
}

// Len returns the element count.
func (s *MemoryStore) Len(_ context.Context, queue Name) (int64, error) {
	if _, ok := queue.Key(); !ok {
		return 0, ErrUnknownQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

// Purge deletes all elements.
func (s *MemoryStore) Purge(_ context.Context, queue Name) error {
	if _, ok := queue.Key(); !ok {
		return ErrUnknownQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue] = nil
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
