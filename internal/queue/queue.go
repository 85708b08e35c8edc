package queue

import (
	"context"
	"errors"

	"github.com/example/training-gateway/internal/models"
)

// Name identifies one of the gateway queues.
type Name string

const (
	// Main holds messages waiting for their first or next delivery attempt.
	Main Name = "main"
	// DeadLetter quarantines messages that exhausted their retry budget.
	DeadLetter Name = "dead_letter"
)

// Backing store keys. ResponseKey is vestigial: it is reported with a zero
// length on the status surface for API compatibility but is never written.
const (
	MainKey     = "request_queue"
	DeadKey     = "dead_letter_queue"
	ResponseKey = "response_queue"
)

// Key returns the backing store key for a queue name.
func (n Name) Key() (string, bool) {
	switch n {
	case Main:
		return MainKey, true
	case DeadLetter:
		return DeadKey, true
	default:
		return "", false
	}
}

// ParseName validates a client-supplied queue name.
func ParseName(raw string) (Name, bool) {
	switch Name(raw) {
	case Main:
		return Main, true
	case DeadLetter:
		return DeadLetter, true
	default:
		return "", false
	}
}

var (
	// ErrEmpty is returned by Pop when the queue holds no messages.
	ErrEmpty = errors.New("queue: empty")
	// ErrNotFound is returned by Remove when no message carries the id.
	ErrNotFound = errors.New("queue: message not found")
	// ErrUnknownQueue is returned for queue names outside main/dead_letter.
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

// Store is the durable FIFO contract shared by the proxy, the worker and
// the admin surface. Push inserts at the head, Pop removes from the tail,
// so pop order matches push order. All operations are atomic with respect
// to concurrent callers.
type Store interface {
	Push(ctx context.Context, queue Name, msg *models.QueuedMessage) error
	Pop(ctx context.Context, queue Name) (*models.QueuedMessage, error)
	Peek(ctx context.Context, queue Name, limit int) ([]*models.QueuedMessage, error)
	Remove(ctx context.Context, queue Name, id string) (*models.QueuedMessage, error)
	Len(ctx context.Context, queue Name) (int64, error)
	Purge(ctx context.Context, queue Name) error
	Ping(ctx context.Context) error
}
