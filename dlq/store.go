// Package dlq stores events that exhausted their publish retries.
//
// A dead-lettered event keeps its payload intact plus the failure context
// (reason, retry count, when it failed), so nothing is lost when the outbox
// gives up on it. After fixing whatever made publishing fail, operators
// replay dead letters back into the outbox and the normal pipeline picks
// them up again.
//
// # Basic Usage
//
//	store := dlq.NewPostgresStore(db)
//	manager := dlq.NewManager(store).WithReplay(outbox.Replayer(outboxStore))
//
//	// Inspect failures
//	msgs, _ := manager.List(ctx, dlq.Filter{AggregateType: "message", Limit: 50})
//
//	// Put one back into the pipeline
//	err := manager.Replay(ctx, msgs[0].ID)
//
//	// Or everything that has not been replayed yet
//	n, err := manager.ReplayAll(ctx, dlq.Filter{ExcludeRetried: true})
//
// Backends: Postgres, MongoDB, Redis, memory.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a dead-letter message does not exist.
var ErrNotFound = errors.New("dead letter message not found")

// Message is a dead-lettered event. Payload is the original bus payload,
// untouched; the rest is failure context for debugging and replay.
type Message struct {
	ID            string          // DLQ row ID (generated)
	EventID       string          // Original outbox event ID
	AggregateType string          // Original aggregate type
	AggregateID   string          // Original aggregate ID
	Payload       json.RawMessage // Original payload, intact
	Reason        string          // Error that exhausted the retries
	RetryCount    int             // Publish attempts before giving up
	FailedAt      time.Time       // When the event was dead-lettered
	EventCreated  time.Time       // When the original event was created
	RetriedAt     *time.Time      // When last replayed (nil if never)
}

// Filter selects dead-letter messages. All fields optional; the zero filter
// matches everything.
type Filter struct {
	AggregateType  string    // Filter by aggregate type (empty = all)
	Since          time.Time // Only messages failed after this time
	Until          time.Time // Only messages failed before this time
	ExcludeRetried bool      // Skip messages that were already replayed
	Limit          int       // Maximum results (0 = no limit)
	Offset         int       // Offset for pagination
}

func (f Filter) matches(m *Message) bool {
	if f.AggregateType != "" && m.AggregateType != f.AggregateType {
		return false
	}
	if !f.Since.IsZero() && m.FailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.FailedAt.After(f.Until) {
		return false
	}
	if f.ExcludeRetried && m.RetriedAt != nil {
		return false
	}
	return true
}

// Store defines dead-letter persistence. Implementations must be safe for
// concurrent use.
type Store interface {
	// Store adds a message. The ID should be pre-generated.
	Store(ctx context.Context, msg *Message) error

	// Get retrieves a message by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns messages matching the filter, newest failures first.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// Count returns the number of messages matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// MarkRetried records a replay. Sets RetriedAt to now.
	MarkRetried(ctx context.Context, id string) error

	// Delete removes a message.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes messages that failed more than age ago.
	// Returns the number deleted.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Stats summarizes DLQ contents for monitoring.
type Stats struct {
	Total           int64            // Total messages
	ByAggregateType map[string]int64 // Count per aggregate type
	Retried         int64            // Messages already replayed
	Pending         int64            // Messages never replayed
	Oldest          *time.Time       // Oldest failure (nil if empty)
	Newest          *time.Time       // Newest failure (nil if empty)
}
