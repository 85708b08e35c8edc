package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/training-gateway/internal/models"
)

// RedisStore persists the gateway queues as Redis lists. Serialization is
// one JSON document per element; LPUSH/RPOP give FIFO semantics and LREM
// implements remove-by-id after a scan. The go-redis client reconnects
// transparently; Ping surfaces the current connection state.
type RedisStore struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_queue").Logger(),
	}, nil
}

// Dial connects to the first reachable address from addrs and returns a
// store over it. When no endpoint answers, a store over the primary
// address is returned anyway: the client pool reconnects transparently
// once the backend comes up, and Ping reports the disconnected state on
// the status surface in the meantime.
func Dial(ctx context.Context, addrs []string, password string, db int, logger zerolog.Logger) (*RedisStore, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("queue: no redis addresses configured")
	}

	newClient := func(addr string) *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
	}

	var lastErr error
	for _, addr := range addrs {
		client := newClient(addr)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return NewRedisStore(client, logger)
		}
		lastErr = err
		_ = client.Close()
	}

	store, err := NewRedisStore(newClient(addrs[0]), logger)
	if err != nil {
		return nil, err
	}
	store.logger.Warn().
		Str("addr", addrs[0]).
		AnErr("last_error", lastErr).
		Msg("no redis endpoint reachable yet, continuing disconnected")
	return store, nil
}

// Push serializes the message and inserts it at the head of the list.
func (s *RedisStore) Push(ctx context.Context, queue Name, msg *models.QueuedMessage) error {
	key, ok := queue.Key()
	if !ok {
		return ErrUnknownQueue
	}
	if msg == nil {
		return fmt.Errorf("queue: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message %s: %w", msg.ID, err)
	}
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("queue: push to %s: %w", key, err)
	}
	return nil
}

// Pop removes and returns the tail element, the oldest message.
func (s *RedisStore) Pop(ctx context.Context, queue Name) (*models.QueuedMessage, error) {
	key, ok := queue.Key()
	if !ok {
		return nil, ErrUnknownQueue
	}
	raw, err := s.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop from %s: %w", key, err)
	}
	var msg models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// A corrupt element is dropped so one bad payload cannot wedge the
		// drain loop.
		s.logger.Error().Str("queue", key).Err(err).Msg("dropping unparseable queue element")
		return nil, fmt.Errorf("queue: unmarshal element from %s: %w", key, err)
	}
	return &msg, nil
}

// Peek reads up to limit messages from the tail end without consuming
// them, oldest first.
func (s *RedisStore) Peek(ctx context.Context, queue Name, limit int) ([]*models.QueuedMessage, error) {
	key, ok := queue.Key()
	if !ok {
		return nil, ErrUnknownQueue
	}
	if limit <= 0 {
		return nil, nil
	}
	raws, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek %s: %w", key, err)
	}
	msgs := make([]*models.QueuedMessage, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var msg models.QueuedMessage
		if err := json.Unmarshal([]byte(raws[i]), &msg); err != nil {
			s.logger.Error().Str("queue", key).Err(err).Msg("skipping unparseable queue element")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Remove scans the list for the first element with the given id, removes
// it and returns it. ErrNotFound when no element matches.
func (s *RedisStore) Remove(ctx context.Context, queue Name, id string) (*models.QueuedMessage, error) {
	key, ok := queue.Key()
	if !ok {
		return nil, ErrUnknownQueue
	}
	raws, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan %s: %w", key, err)
	}
	for _, raw := range raws {
		var msg models.QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.ID != id {
			continue
		}
		removed, err := s.client.LRem(ctx, key, 1, raw).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: remove %s from %s: %w", id, key, err)
		}
		if removed == 0 {
			// Raced with a concurrent pop; the message is gone.
			return nil, ErrNotFound
		}
		return &msg, nil
	}
	return nil, ErrNotFound
}

// Len returns the current element count.
func (s *RedisStore) Len(ctx context.Context, queue Name) (int64, error) {
	key, ok := queue.Key()
	if !ok {
		return 0, ErrUnknownQueue
	}
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length of %s: %w", key, err)
	}
	return n, nil
}

// Purge deletes every element in the queue.
func (s *RedisStore) Purge(ctx context.Context, queue Name) error {
	key, ok := queue.Key()
	if !ok {
		return ErrUnknownQueue
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("queue: purge %s: %w", key, err)
	}
	return nil
}

// Ping reports backend liveness.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}
