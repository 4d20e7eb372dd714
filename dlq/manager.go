package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReplayFunc puts a dead-lettered event back into the delivery pipeline,
// typically by reinserting it into the outbox. outbox.Replayer builds one
// from an outbox store.
type ReplayFunc func(ctx context.Context, msg *Message) error

// Manager is the operator-facing API over a dead-letter store: inspect,
// replay, clean up.
type Manager struct {
	store  Store
	replay ReplayFunc
	logger *slog.Logger
}

// NewManager creates a manager over the store. Replay requires WithReplay.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: slog.Default().With("component", "dlq.manager"),
	}
}

// WithReplay sets the replay target. Returns the manager for method chaining.
func (m *Manager) WithReplay(fn ReplayFunc) *Manager {
	m.replay = fn
	return m
}

// WithLogger sets a custom logger. Returns the manager for method chaining.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// Get retrieves a message by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// List returns messages matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Message, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of messages matching the filter.
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// Replay puts one message back into the pipeline and marks it retried.
// The message stays in the store for audit; Cleanup removes it eventually.
func (m *Manager) Replay(ctx context.Context, id string) error {
	if m.replay == nil {
		return fmt.Errorf("no replay target configured")
	}

	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.replay(ctx, msg); err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}
	if err := m.store.MarkRetried(ctx, id); err != nil {
		// Replayed but unmarked: a second replay is harmless, the outbox
		// reinsert is an upsert on the event ID
		m.logger.Error("replayed but failed to mark retried", "id", id, "error", err)
	}

	m.logger.Info("replayed dead letter",
		"id", id,
		"event_id", msg.EventID,
		"aggregate_type", msg.AggregateType)
	return nil
}

// ReplayAll replays every message matching the filter and returns how many
// went back in. Stops on the first replay error.
func (m *Manager) ReplayAll(ctx context.Context, filter Filter) (int, error) {
	msgs, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	for i, msg := range msgs {
		if err := m.Replay(ctx, msg.ID); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// Delete removes a message without replaying it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Cleanup removes messages that failed more than age ago.
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	deleted, err := m.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("cleaned up dead letters", "count", deleted)
	}
	return deleted, nil
}

// Stats aggregates DLQ contents by walking the store.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	msgs, err := m.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByAggregateType: make(map[string]int64)}
	for _, msg := range msgs {
		stats.Total++
		stats.ByAggregateType[msg.AggregateType]++
		if msg.RetriedAt != nil {
			stats.Retried++
		} else {
			stats.Pending++
		}
		failedAt := msg.FailedAt
		if stats.Oldest == nil || failedAt.Before(*stats.Oldest) {
			stats.Oldest = &failedAt
		}
		if stats.Newest == nil || failedAt.After(*stats.Newest) {
			stats.Newest = &failedAt
		}
	}
	return stats, nil
}
