package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	goredis "github.com/redis/go-redis/v9"
)

func newMessage(i int, aggregateType string, failedAt time.Time) *Message {
	return &Message{
		ID:            fmt.Sprintf("dlq-%d", i),
		EventID:       fmt.Sprintf("ev-%d", i),
		AggregateType: aggregateType,
		AggregateID:   fmt.Sprintf("agg-%d", i),
		Payload:       json.RawMessage(`{"event_type":"message.sent"}`),
		Reason:        "publish: connection refused",
		RetryCount:    3,
		FailedAt:      failedAt,
		EventCreated:  failedAt.Add(-time.Minute),
	}
}

// testStore exercises the Store contract against any backend.
func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	msgs := []*Message{
		newMessage(1, "message", base),
		newMessage(2, "message", base.Add(10*time.Minute)),
		newMessage(3, "attachment", base.Add(20*time.Minute)),
	}
	for _, msg := range msgs {
		if err := store.Store(ctx, msg); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(ctx, "dlq-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if diff := cmp.Diff(msgs[0], got); diff != "" {
			t.Errorf("message mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		got, err := store.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d messages, want 3", len(got))
		}
		if got[0].ID != "dlq-3" || got[2].ID != "dlq-1" {
			t.Errorf("wrong order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
		}
	})

	t.Run("filter by aggregate type", func(t *testing.T) {
		n, err := store.Count(ctx, Filter{AggregateType: "message"})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Errorf("got %d, want 2", n)
		}
	})

	t.Run("filter by time", func(t *testing.T) {
		got, err := store.List(ctx, Filter{Since: base.Add(5 * time.Minute)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d messages, want 2", len(got))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		got, err := store.List(ctx, Filter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != "dlq-2" {
			t.Errorf("got %+v, want dlq-2", got)
		}
	})

	t.Run("mark retried", func(t *testing.T) {
		if err := store.MarkRetried(ctx, "dlq-1"); err != nil {
			t.Fatalf("mark retried: %v", err)
		}
		got, err := store.Get(ctx, "dlq-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RetriedAt == nil {
			t.Error("RetriedAt not set")
		}

		n, err := store.Count(ctx, Filter{ExcludeRetried: true})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Errorf("got %d unretried, want 2", n)
		}
	})

	t.Run("mark retried missing", func(t *testing.T) {
		if err := store.MarkRetried(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "dlq-3"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.Get(ctx, "dlq-3"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("delete older than", func(t *testing.T) {
		deleted, err := store.DeleteOlderThan(ctx, 55*time.Minute)
		if err != nil {
			t.Fatalf("delete older than: %v", err)
		}
		if deleted != 1 { // only dlq-1 is older
			t.Errorf("deleted %d, want 1", deleted)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer client.Close()
	testStore(t, NewRedisStore(client))
}

func TestManagerReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := newMessage(1, "message", time.Now().Add(-time.Hour))
	if err := store.Store(ctx, msg); err != nil {
		t.Fatalf("store: %v", err)
	}

	var replayed []*Message
	manager := NewManager(store).WithReplay(func(ctx context.Context, m *Message) error {
		replayed = append(replayed, m)
		return nil
	})

	if err := manager.Replay(ctx, msg.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].EventID != msg.EventID {
		t.Fatalf("replay target got %+v", replayed)
	}

	// Replay marks, it does not delete
	got, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetriedAt == nil {
		t.Error("RetriedAt not set after replay")
	}
}

func TestManagerReplayFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := newMessage(1, "message", time.Now())
	store.Store(ctx, msg)

	boom := errors.New("outbox down")
	manager := NewManager(store).WithReplay(func(context.Context, *Message) error {
		return boom
	})

	if err := manager.Replay(ctx, msg.ID); !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped outbox error", err)
	}
	got, _ := store.Get(ctx, msg.ID)
	if got.RetriedAt != nil {
		t.Error("failed replay must not mark retried")
	}
}

func TestManagerReplayAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		store.Store(ctx, newMessage(i, "message", time.Now().Add(-time.Duration(i)*time.Minute)))
	}
	store.MarkRetried(ctx, "dlq-2")

	count := 0
	manager := NewManager(store).WithReplay(func(context.Context, *Message) error {
		count++
		return nil
	})

	n, err := manager.ReplayAll(ctx, Filter{ExcludeRetried: true})
	if err != nil {
		t.Fatalf("replay all: %v", err)
	}
	if n != 2 || count != 2 {
		t.Errorf("replayed %d (target saw %d), want 2", n, count)
	}
}

func TestManagerStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().Add(-time.Hour)
	store.Store(ctx, newMessage(1, "message", base))
	store.Store(ctx, newMessage(2, "message", base.Add(time.Minute)))
	store.Store(ctx, newMessage(3, "attachment", base.Add(2*time.Minute)))
	store.MarkRetried(ctx, "dlq-1")

	stats, err := NewManager(store).Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Retried != 1 || stats.Pending != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByAggregateType["message"] != 2 {
		t.Errorf("message count = %d, want 2", stats.ByAggregateType["message"])
	}
	if stats.Oldest == nil || stats.Newest == nil || !stats.Oldest.Before(*stats.Newest) {
		t.Errorf("oldest/newest wrong: %v / %v", stats.Oldest, stats.Newest)
	}
}
