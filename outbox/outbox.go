// Package outbox implements the transactional outbox side of the delivery
// pipeline.
//
// The write path stores an event row in the same database transaction as the
// message it describes, so the two commit or roll back together. A background
// Processor polls for pending rows, claims them, publishes them to the
// broadcast transport and marks them processed. Rows that keep failing move
// to the dead-letter store with their payload intact.
//
// # The dual-write problem
//
// Publishing to the bus inside the request handler is not atomic with the
// database write:
//
//	// UNSAFE: crash between these two lines loses the event
//	if err := insertMessage(tx, msg); err != nil { ... }
//	if err := bus.Publish(ctx, channel, data); err != nil { ... }
//
// With the outbox, the event row rides the message's transaction and the
// Processor owns publishing. Delivery is at-least-once: a crash between
// publish and mark republishes on the next poll, and consumers dedupe by
// event ID if they care.
//
// # Claiming
//
// Multiple processor instances run the poll loop concurrently. A claim is a
// status flip to "processing" over a FOR UPDATE SKIP LOCKED subselect, so
// two live instances never hold the same row. Rows stuck in "processing"
// past the claim timeout belonged to a crashed worker and are reclaimed.
//
// # Schema
//
// For PostgreSQL:
//
//	CREATE TABLE outbox_events (
//	    id              UUID PRIMARY KEY,
//	    aggregate_type  VARCHAR(255) NOT NULL,
//	    aggregate_id    UUID NOT NULL,
//	    payload         JSONB NOT NULL,
//	    status          VARCHAR(20) NOT NULL DEFAULT 'pending',
//	    retry_count     INT NOT NULL DEFAULT 0,
//	    last_error      TEXT,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    claimed_at      TIMESTAMPTZ,
//	    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    processed_at    TIMESTAMPTZ
//	);
//	CREATE INDEX idx_outbox_pending ON outbox_events(status, next_attempt_at, created_at)
//	    WHERE status = 'pending';
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kharwell/chatrelay"
)

// Status represents the state of an outbox event.
//
// Events progress pending -> processing -> processed. Failed publishes go
// back to pending with a retry delay, or leave the table for the DLQ once
// retries are exhausted.
type Status string

const (
	// StatusPending indicates the event is waiting to be published.
	StatusPending Status = "pending"

	// StatusProcessing indicates a processor instance has claimed the event.
	StatusProcessing Status = "processing"

	// StatusProcessed indicates the event was published to the transport.
	StatusProcessed Status = "processed"
)

// Event is an outbox row. It carries everything needed to rebuild the bus
// envelope, so publishing never reads the message tables.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	ClaimedAt     *time.Time
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
}

// NewEvent builds a pending event for the given aggregate.
func NewEvent(aggregateType, aggregateID string, payload json.RawMessage) *Event {
	now := time.Now()
	return &Event{
		ID:            chatrelay.NewID(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// WirePayload converts the event to the bus envelope.
func (e *Event) WirePayload() chatrelay.EventPayload {
	return chatrelay.EventPayload{
		EventID:       e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt.UnixMilli(),
	}
}

// Store is what the Processor needs from outbox persistence. Inserting new
// events is deliberately not here: the Postgres store inserts inside the
// caller's transaction, other stores have their own shape, and the processor
// never inserts.
//
// Implementations must be safe for concurrent use by multiple processor
// instances; the claim contract is that two live instances never hold the
// same event at once.
type Store interface {
	// ClaimPending atomically claims up to limit publishable events,
	// oldest first. Publishable means status pending with the retry delay
	// elapsed, or status processing with a claim older than the claim
	// timeout (crashed worker recovery).
	ClaimPending(ctx context.Context, limit int) ([]*Event, error)

	// MarkProcessed records a successful publish.
	MarkProcessed(ctx context.Context, id string) error

	// Release returns a claimed event to pending after a failed publish,
	// incrementing its retry count, recording the cause and deferring the
	// next attempt by retryDelay.
	Release(ctx context.Context, id string, retryDelay time.Duration, cause error) error

	// Delete removes an event, claimed or not. Used when an event moves
	// to the dead-letter store.
	Delete(ctx context.Context, id string) error

	// DeleteProcessed removes processed events older than the given age
	// and returns how many were deleted. Called by the cleanup loop.
	DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error)

	// Reinsert stores an event as pending outside any caller transaction.
	// Used by dead-letter replay.
	Reinsert(ctx context.Context, ev *Event) error

	// PendingCount reports the current backlog for monitoring.
	PendingCount(ctx context.Context) (int64, error)
}
