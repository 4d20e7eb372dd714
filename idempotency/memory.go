package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryGuard implements Guard with an in-process map.
//
// Suitable for tests and single-instance embedded runs. It cannot guard
// across instances; production deployments use RedisGuard or PostgresGuard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryGuard creates an in-memory guard with the default TTL.
// A janitor goroutine sweeps expired entries every minute; call Close
// when done with the guard.
func NewMemoryGuard() *MemoryGuard {
	g := &MemoryGuard{
		entries: make(map[string]time.Time),
		ttl:     DefaultTTL,
		stopCh:  make(chan struct{}),
	}
	go g.janitor(time.Minute)
	return g
}

// WithTTL sets the default reservation lifetime. Returns the guard for
// method chaining.
func (g *MemoryGuard) WithTTL(ttl time.Duration) *MemoryGuard {
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

func (g *MemoryGuard) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			g.mu.Lock()
			for key, expiry := range g.entries {
				if now.After(expiry) {
					delete(g.entries, key)
				}
			}
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// Check atomically reserves the key with the default TTL.
func (g *MemoryGuard) Check(ctx context.Context, key string) error {
	return g.CheckWithTTL(ctx, key, g.ttl)
}

// CheckWithTTL atomically reserves the key with a custom TTL.
func (g *MemoryGuard) CheckWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.entries[key]; ok && now.Before(expiry) {
		return fmt.Errorf("%w: key %q", ErrDuplicateRequest, key)
	}
	g.entries[key] = now.Add(ttl)
	return nil
}

// Remove releases a reservation.
func (g *MemoryGuard) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.entries, key)
	g.mu.Unlock()
	return nil
}

// Close stops the janitor goroutine. Idempotent.
func (g *MemoryGuard) Close() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Compile-time check
var _ Guard = (*MemoryGuard)(nil)
