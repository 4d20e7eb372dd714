// Package idempotency guards the message write path against duplicate sends.
//
// Clients attach an idempotency key to each send; retrying a timed-out
// request reuses the key. The guard does an atomic check-and-set before any
// work happens: the first request for a key wins, later ones are rejected
// with ErrDuplicateRequest. When the write behind a reserved key fails, the
// caller removes the key so the client's retry is not locked out.
//
// The guard fails closed. If the backing store cannot be reached, Check
// returns ErrBackendUnavailable and the write must be rejected; proceeding
// without the guard is how double-sends happen.
//
// # Basic Usage
//
//	guard := idempotency.NewRedisGuard(redisClient)
//
//	if err := guard.Check(ctx, req.IdempotencyKey); err != nil {
//	    return err // duplicate or guard down, either way reject
//	}
//	if err := writeMessage(ctx, req); err != nil {
//	    guard.Remove(ctx, req.IdempotencyKey) // let the retry through
//	    return err
//	}
//
// Backends: Redis (production, SET NX with expiry), Postgres (keyed table,
// one fewer moving part), memory (tests and embedded runs).
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kharwell/chatrelay"
)

// KeyPrefix namespaces guard entries in shared stores.
const KeyPrefix = "idempotency:"

// DefaultTTL is how long a key blocks duplicates. It should comfortably
// exceed the longest client retry window.
const DefaultTTL = 24 * time.Hour

// Guard errors. ErrDuplicateRequest and ErrBackendUnavailable are the
// shared taxonomy from the root package so callers match them with
// errors.Is regardless of backend.
var (
	ErrDuplicateRequest   = chatrelay.ErrDuplicateRequest
	ErrBackendUnavailable = chatrelay.ErrBackendUnavailable

	// ErrInvalidKey is returned for an empty idempotency key.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// Guard is the duplicate-send check. Implementations must be safe for
// concurrent use by multiple goroutines and atomic across instances:
// exactly one concurrent Check for a fresh key may succeed.
type Guard interface {
	// Check atomically reserves the key with the default TTL.
	//
	// Returns:
	//   - nil: key is fresh, caller proceeds and owns the reservation
	//   - ErrDuplicateRequest: key was already reserved
	//   - ErrInvalidKey: key is empty
	//   - ErrBackendUnavailable (wrapped): store unreachable, caller rejects
	Check(ctx context.Context, key string) error

	// CheckWithTTL is Check with a custom reservation lifetime.
	CheckWithTTL(ctx context.Context, key string, ttl time.Duration) error

	// Remove releases a reservation so the key can be used again.
	// Called when the write behind a fresh key fails; without it the
	// client's retry would bounce off its own failed attempt.
	// Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return nil
}
