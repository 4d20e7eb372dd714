package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func testGuard(t *testing.T, guard Guard) {
	ctx := context.Background()

	t.Run("fresh key passes", func(t *testing.T) {
		if err := guard.Check(ctx, "key-fresh"); err != nil {
			t.Fatalf("check: %v", err)
		}
	})

	t.Run("second use is duplicate", func(t *testing.T) {
		if err := guard.Check(ctx, "key-dup"); err != nil {
			t.Fatalf("first check: %v", err)
		}
		if err := guard.Check(ctx, "key-dup"); !errors.Is(err, ErrDuplicateRequest) {
			t.Errorf("got %v, want ErrDuplicateRequest", err)
		}
	})

	t.Run("remove frees the key", func(t *testing.T) {
		if err := guard.Check(ctx, "key-retry"); err != nil {
			t.Fatalf("check: %v", err)
		}
		if err := guard.Remove(ctx, "key-retry"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := guard.Check(ctx, "key-retry"); err != nil {
			t.Errorf("check after remove: %v", err)
		}
	})

	t.Run("remove absent key is no-op", func(t *testing.T) {
		if err := guard.Remove(ctx, "never-seen"); err != nil {
			t.Errorf("remove: %v", err)
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		if err := guard.Check(ctx, ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("check: got %v, want ErrInvalidKey", err)
		}
		if err := guard.Remove(ctx, ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("remove: got %v, want ErrInvalidKey", err)
		}
	})
}

func TestMemoryGuard(t *testing.T) {
	guard := NewMemoryGuard()
	defer guard.Close()
	testGuard(t, guard)
}

func TestMemoryGuardExpiry(t *testing.T) {
	ctx := context.Background()
	guard := NewMemoryGuard()
	defer guard.Close()

	if err := guard.CheckWithTTL(ctx, "short", 10*time.Millisecond); err != nil {
		t.Fatalf("check: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := guard.Check(ctx, "short"); err != nil {
		t.Errorf("expired key still reserved: %v", err)
	}
}

func TestMemoryGuardConcurrent(t *testing.T) {
	ctx := context.Background()
	guard := NewMemoryGuard()
	defer guard.Close()

	// Exactly one of N concurrent checks for the same key may win.
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.Check(ctx, "contested"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("got %d winners, want 1", wins)
	}
}

func TestRedisGuard(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer client.Close()

	testGuard(t, NewRedisGuard(client))
}

func TestRedisGuardTTL(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer client.Close()

	guard := NewRedisGuard(client)
	if err := guard.CheckWithTTL(ctx, "short", time.Minute); err != nil {
		t.Fatalf("check: %v", err)
	}

	srv.FastForward(2 * time.Minute)
	if err := guard.Check(ctx, "short"); err != nil {
		t.Errorf("expired key still reserved: %v", err)
	}
}

func TestRedisGuardBackendDown(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer client.Close()

	guard := NewRedisGuard(client)
	srv.Close()

	// A dead backend must reject, not pass
	if err := guard.Check(ctx, "any"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("got %v, want ErrBackendUnavailable", err)
	}
}
