package worker

import (
	"sync"

	"github.com/example/training-gateway/internal/models"
)

// Metrics tracks the queue processing counters exposed on the admin
// surface. Counters are monotone between resets; Reset zeroes the group
// under one lock so a concurrent snapshot never sees a partial reset.
type Metrics struct {
	mu           sync.Mutex
	processed    int64
	failed       int64
	retried      int64
	deadLettered int64
}

// NewMetrics constructs a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// IncProcessed records a successful upstream delivery.
func (m *Metrics) IncProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

// IncFailed records an upstream failure.
func (m *Metrics) IncFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

// IncRetried records a requeue, whether from an upstream failure or from
// the target service being down.
func (m *Metrics) IncRetried() {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

// IncDeadLettered records a transition to the dead-letter queue.
func (m *Metrics) IncDeadLettered() {
	m.mu.Lock()
	m.deadLettered++
	m.mu.Unlock()
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() models.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.MetricsSnapshot{
		Processed:    m.processed,
		Failed:       m.failed,
		Retried:      m.retried,
		DeadLettered: m.deadLettered,
	}
}

// Reset zeroes all four counters as a group.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.processed = 0
	m.failed = 0
	m.retried = 0
	m.deadLettered = 0
	m.mu.Unlock()
}
