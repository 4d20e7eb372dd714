package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kharwell/chatrelay/transport"
)

func newTestTransport(t *testing.T) (*miniredis.Miniredis, *Transport) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, New(client)
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestTransport(t)
	defer tr.Close(ctx)

	sub, err := tr.Subscribe(ctx, "chat:events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tr.Publish(ctx, "chat:events", []byte(`{"event_id":"e1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data, ok := <-sub.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		if got := string(data); got != `{"event_id":"e1"}` {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestTransport(t)
	defer tr.Close(ctx)

	// Nobody listening is not an error
	if err := tr.Publish(ctx, "chat:events", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestDisconnectClosesMessages(t *testing.T) {
	ctx := context.Background()
	srv, tr := newTestTransport(t)
	defer tr.Close(ctx)

	sub, err := tr.Subscribe(ctx, "chat:events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Killing the server severs the subscription; the messages channel
	// closing is the disconnect signal consumers rely on.
	srv.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed channel, got message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel never closed after disconnect")
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestTransport(t)
	defer tr.Close(ctx)

	sub, err := tr.Subscribe(ctx, "chat:events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("got message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel never closed")
	}
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestTransport(t)
	tr.Close(ctx)

	if err := tr.Publish(ctx, "chat:events", []byte("x")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("publish: got %v, want ErrTransportClosed", err)
	}
	if _, err := tr.Subscribe(ctx, "chat:events"); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("subscribe: got %v, want ErrTransportClosed", err)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	srv, tr := newTestTransport(t)
	defer tr.Close(ctx)

	if res := tr.Health(ctx); !res.IsHealthy() {
		t.Errorf("healthy server reported %v", res.Status)
	}

	srv.Close()
	if res := tr.Health(ctx); res.IsHealthy() {
		t.Error("dead server reported healthy")
	}
}
