// Package outbox implements the transactional outbox pattern: domain writes
// append a row to outbox_events in the same database transaction as the
// state change they describe, and a separate Publisher loop polls for
// pending rows and delivers them to a broker, retrying with backoff until a
// retry cap is hit.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Event is one row of outbox_events.
type Event struct {
	ID            int64
	EventID       uuid.UUID
	EventType     string
	AggregateType string
	AggregateID   int64
	Payload       []byte // JSON
	Status        Status
	RetryCount    int
	NextRetryAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// DispatchEventTypePrefix starts the event_type of rows that carry a judge-submission
// dispatch message rather than a domain event; the Publisher routes rows
// with this prefix to the dispatch exchange instead of the domain-event
// exchange (resolves the single-writer/two-channel tension by making the
// dispatch message itself an outbox row).
const DispatchEventTypePrefix = "dispatch."

// DomainExchangeName is the durable topic exchange domain events (rows
// without the dispatch prefix) are published to.
const DomainExchangeName = "judge.events"

// IsDispatch reports whether e represents a dispatch-queue message rather
// than a domain event.
func (e Event) IsDispatch() bool {
	return len(e.EventType) >= len(DispatchEventTypePrefix) && e.EventType[:len(DispatchEventTypePrefix)] == DispatchEventTypePrefix
}

// maxRetries bounds automatic retry; beyond this the row is moved to
// StatusFailed and requires operator intervention (judgectl).
const maxRetries = 10

// backoffCap bounds the exponential backoff exponent so retry delay does
// not grow unbounded (2^6 minutes = ~64 minutes is the ceiling).
const backoffCap = 6

// NextBackoff computes the next_retry_at delay for a row currently at
// retryCount failed attempts, following the teacher pack's outbox examples'
// exponential-backoff convention.
func NextBackoff(retryCount int) time.Duration {
	exp := retryCount
	if exp > backoffCap {
		exp = backoffCap
	}
	return time.Duration(1<<uint(exp)) * time.Minute
}

// ShouldEscalate reports whether retryCount has exceeded the automatic
// retry budget and the row should move to StatusFailed instead of being
// rescheduled.
func ShouldEscalate(retryCount int) bool {
	return retryCount >= maxRetries
}
