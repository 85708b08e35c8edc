package models

import (
	"strings"
	"time"
)

// QueuedMessage is the canonical unit stored in both the main and the
// dead-letter queue. It mirrors the JSON layout persisted in the backing
// store so that elements survive round-trips between gateway restarts.
type QueuedMessage struct {
	ID                  string            `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	Service             string            `json:"service"`
	Endpoint            string            `json:"endpoint"`
	Method              string            `json:"method"`
	Data                any               `json:"data,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	RetryCount          int               `json:"retry_count"`
	MaxRetries          int               `json:"max_retries"`
	Priority            int               `json:"priority"`
	UserID              string            `json:"user_id,omitempty"`
	SessionID           string            `json:"session_id,omitempty"`
	IPAddress           string            `json:"ip_address,omitempty"`
	UserAgent           string            `json:"user_agent,omitempty"`
	RequestID           string            `json:"request_id,omitempty"`
	DeadLetterTimestamp *time.Time        `json:"dead_letter_timestamp,omitempty"`
	NotBefore           *time.Time        `json:"not_before,omitempty"`
}

// DefaultMaxRetries is applied when a message is enqueued without an
// explicit retry budget.
const DefaultMaxRetries = 3

// MethodPriority derives the observability priority carried on a queued
// message from its HTTP verb. The value does not currently reorder the
// queue.
func MethodPriority(method string) int {
	switch strings.ToUpper(method) {
	case "GET":
		return 1
	case "PUT":
		return 2
	case "POST":
		return 3
	case "DELETE":
		return 4
	default:
		return 0
	}
}

// IsMutating reports whether the verb may be queued for later delivery.
// Only POST, PUT and DELETE are safe to replay through the store-and-forward
// path; reads are failed fast instead.
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "DELETE":
		return true
	default:
		return false
	}
}

// Ready reports whether the message is due for execution at the supplied
// instant. Messages carry a not_before stamp after a backoff requeue; the
// drain loop rotates messages that are not yet due instead of sleeping.
func (m *QueuedMessage) Ready(now time.Time) bool {
	if m == nil {
		return false
	}
	return m.NotBefore == nil || !now.Before(*m.NotBefore)
}
