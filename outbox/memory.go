package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map, for tests and
// embedded single-node runs. Claims only guard against goroutines in the
// same process, which is all there is in those setups.
type MemoryStore struct {
	mu           sync.Mutex
	events       map[string]*Event
	claimTimeout time.Duration
}

// NewMemoryStore creates an in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]*Event),
		claimTimeout: DefaultClaimTimeout,
	}
}

// WithClaimTimeout sets the stale-claim recovery timeout. Returns the store
// for method chaining.
func (s *MemoryStore) WithClaimTimeout(d time.Duration) *MemoryStore {
	if d > 0 {
		s.claimTimeout = d
	}
	return s
}

// Insert stores a pending event. The memory store has no real transactions;
// the write path's memory backend stages inserts and applies them on commit.
func (s *MemoryStore) Insert(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) claimable(ev *Event, now time.Time) bool {
	switch ev.Status {
	case StatusPending:
		return !ev.NextAttemptAt.After(now)
	case StatusProcessing:
		return ev.ClaimedAt != nil && now.Sub(*ev.ClaimedAt) > s.claimTimeout
	default:
		return false
	}
}

// ClaimPending claims up to limit publishable events, oldest first.
func (s *MemoryStore) ClaimPending(ctx context.Context, limit int) ([]*Event, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Event
	for _, ev := range s.events {
		if s.claimable(ev, now) {
			candidates = append(candidates, ev)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Event, 0, len(candidates))
	for _, ev := range candidates {
		ev.Status = StatusProcessing
		claimedAt := now
		ev.ClaimedAt = &claimedAt
		cp := *ev
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// MarkProcessed records a successful publish.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		ev.Status = StatusProcessed
		now := time.Now()
		ev.ProcessedAt = &now
		ev.ClaimedAt = nil
	}
	return nil
}

// Release returns a claimed event to pending with a deferred next attempt.
func (s *MemoryStore) Release(ctx context.Context, id string, retryDelay time.Duration, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		ev.Status = StatusPending
		ev.RetryCount++
		ev.ClaimedAt = nil
		ev.NextAttemptAt = time.Now().Add(retryDelay)
		if cause != nil {
			ev.LastError = cause.Error()
		}
	}
	return nil
}

// Delete removes an event.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.events, id)
	s.mu.Unlock()
	return nil
}

// DeleteProcessed removes processed events older than the given age.
func (s *MemoryStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, ev := range s.events {
		if ev.Status == StatusProcessed && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// Reinsert stores an event as pending, used by dead-letter replay.
func (s *MemoryStore) Reinsert(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Status = StatusPending
	cp.RetryCount = 0
	cp.ClaimedAt = nil
	cp.NextAttemptAt = time.Now()
	s.events[cp.ID] = &cp
	return nil
}

// PendingCount reports the publishable backlog.
func (s *MemoryStore) PendingCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of an event, for tests.
func (s *MemoryStore) Get(id string) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
