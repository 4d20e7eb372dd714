package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map, for tests and
// embedded single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]*Message
}

// NewMemoryStore creates an in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]*Message)}
}

// Store adds a message.
func (s *MemoryStore) Store(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.msgs[msg.ID] = &cp
	return nil
}

// Get retrieves a message by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) filtered(filter Filter) []*Message {
	var out []*Message
	for _, msg := range s.msgs {
		if filter.matches(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out
}

// List returns messages matching the filter, newest failures first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filtered(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of messages matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, msg := range s.msgs {
		if filter.matches(msg) {
			n++
		}
	}
	return n, nil
}

// MarkRetried records a replay.
func (s *MemoryStore) MarkRetried(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	msg.RetriedAt = &now
	return nil
}

// Delete removes a message.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.msgs, id)
	s.mu.Unlock()
	return nil
}

// DeleteOlderThan removes messages that failed more than age ago.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, msg := range s.msgs {
		if msg.FailedAt.Before(cutoff) {
			delete(s.msgs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
