package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/idempotency"
	"github.com/kharwell/chatrelay/outbox"
)

func validRequest() SendRequest {
	return SendRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		ReceiverIDs:    []string{"bob", "carol"},
		Content:        "hello",
		IdempotencyKey: "key-1",
	}
}

func newWriter(t *testing.T) (*Writer, *MemoryStore, *outbox.MemoryStore) {
	t.Helper()
	ob := outbox.NewMemoryStore()
	store := NewMemoryStore(ob)
	guard := idempotency.NewMemoryGuard()
	t.Cleanup(guard.Close)
	return NewWriter(store, guard), store, ob
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	writer, store, ob := newWriter(t)

	msg, err := writer.Send(ctx, validRequest())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("no message id")
	}

	stored, ok := store.Message(msg.ID)
	if !ok {
		t.Fatal("message not committed")
	}
	if stored.Content != "hello" || stored.SenderID != "alice" {
		t.Errorf("stored message = %+v", stored)
	}

	want := []string{"alice", "bob", "carol"}
	if diff := cmp.Diff(want, store.Participants("conv-1")); diff != "" {
		t.Errorf("participants mismatch (-want +got):\n%s", diff)
	}

	// Outbox event committed alongside the message
	claimed, err := ob.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("got %d outbox events, want 1", len(claimed))
	}
	ev := claimed[0]
	if ev.AggregateType != chatrelay.AggregateMessage || ev.AggregateID != msg.ID {
		t.Errorf("event = %+v", ev)
	}

	var inner chatrelay.MessagePayload
	if err := json.Unmarshal(ev.Payload, &inner); err != nil {
		t.Fatalf("decode inner payload: %v", err)
	}
	if inner.EventType != chatrelay.EventTypeMessageSent {
		t.Errorf("event type = %q", inner.EventType)
	}
	if inner.MessageID != msg.ID || inner.Content != "hello" {
		t.Errorf("inner payload = %+v", inner)
	}
	// Sender is excluded from the receiver list
	if diff := cmp.Diff([]string{"bob", "carol"}, inner.ReceiverIDs); diff != "" {
		t.Errorf("receivers mismatch (-want +got):\n%s", diff)
	}
	if _, err := time.Parse(time.RFC3339, inner.CreatedAt); err != nil {
		t.Errorf("created_at %q not RFC3339: %v", inner.CreatedAt, err)
	}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	writer, _, ob := newWriter(t)

	tests := []struct {
		name   string
		mutate func(*SendRequest)
		want   error
	}{
		{"missing conversation", func(r *SendRequest) { r.ConversationID = "" }, ErrEmptyConversationID},
		{"missing sender", func(r *SendRequest) { r.SenderID = "" }, ErrEmptySenderID},
		{"missing content", func(r *SendRequest) { r.Content = "" }, ErrEmptyContent},
		{"missing key", func(r *SendRequest) { r.IdempotencyKey = "" }, ErrEmptyIdempotencyKey},
		{"oversized content", func(r *SendRequest) { r.Content = strings.Repeat("x", MaxContentLength+1) }, ErrContentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			if _, err := writer.Send(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Nothing reached the store
	if n, _ := ob.PendingCount(ctx); n != 0 {
		t.Errorf("outbox has %d events after rejected sends", n)
	}
}

func TestSendDuplicateKey(t *testing.T) {
	ctx := context.Background()
	writer, _, ob := newWriter(t)

	req := validRequest()
	if _, err := writer.Send(ctx, req); err != nil {
		t.Fatalf("first send: %v", err)
	}

	if _, err := writer.Send(ctx, req); !errors.Is(err, idempotency.ErrDuplicateRequest) {
		t.Fatalf("second send err = %v, want ErrDuplicateRequest", err)
	}

	if n, _ := ob.PendingCount(ctx); n != 1 {
		t.Errorf("outbox has %d events, want 1", n)
	}
}

func TestSendReceiversAccumulate(t *testing.T) {
	ctx := context.Background()
	writer, _, ob := newWriter(t)

	first := validRequest()
	if _, err := writer.Send(ctx, first); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ob.ClaimPending(ctx, 10)

	// Bob replies naming nobody; existing members still receive it
	reply := SendRequest{
		ConversationID: "conv-1",
		SenderID:       "bob",
		Content:        "hi back",
		IdempotencyKey: "key-2",
	}
	if _, err := writer.Send(ctx, reply); err != nil {
		t.Fatalf("reply: %v", err)
	}

	claimed, _ := ob.ClaimPending(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("got %d events, want 1", len(claimed))
	}
	var inner chatrelay.MessagePayload
	json.Unmarshal(claimed[0].Payload, &inner)
	if diff := cmp.Diff([]string{"alice", "carol"}, inner.ReceiverIDs); diff != "" {
		t.Errorf("receivers mismatch (-want +got):\n%s", diff)
	}
}

// failingStore wraps a Store and fails a named transaction step.
type failingStore struct {
	inner Store
	step  string
}

func (s *failingStore) Begin(ctx context.Context) (Tx, error) {
	if s.step == "begin" {
		return nil, errors.New("forced begin failure")
	}
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, step: s.step}, nil
}

type failingTx struct {
	Tx
	step string
}

func (t *failingTx) InsertMessage(ctx context.Context, msg *Message) error {
	if t.step == "message" {
		return errors.New("forced insert failure")
	}
	return t.Tx.InsertMessage(ctx, msg)
}

func (t *failingTx) InsertOutbox(ctx context.Context, ev *outbox.Event) error {
	if t.step == "outbox" {
		return errors.New("forced outbox failure")
	}
	return t.Tx.InsertOutbox(ctx, ev)
}

func TestSendFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemoryStore()
	mem := NewMemoryStore(ob)
	guard := idempotency.NewMemoryGuard()
	defer guard.Close()

	for _, step := range []string{"begin", "message", "outbox"} {
		t.Run(step, func(t *testing.T) {
			failing := NewWriter(&failingStore{inner: mem, step: step}, guard)
			req := validRequest()
			req.IdempotencyKey = "retry-" + step

			if _, err := failing.Send(ctx, req); err == nil {
				t.Fatal("forced failure did not surface")
			}

			// The key is free again, the same request succeeds
			ok := NewWriter(mem, guard)
			if _, err := ok.Send(ctx, req); err != nil {
				t.Fatalf("retry after failure: %v", err)
			}
		})
	}
}

type downGuard struct{}

func (downGuard) Check(ctx context.Context, key string) error {
	return idempotency.ErrBackendUnavailable
}
func (downGuard) CheckWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	return idempotency.ErrBackendUnavailable
}
func (downGuard) Remove(ctx context.Context, key string) error { return nil }

func TestSendGuardDownRejects(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemoryStore()
	writer := NewWriter(NewMemoryStore(ob), downGuard{})

	if _, err := writer.Send(ctx, validRequest()); !errors.Is(err, idempotency.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if n, _ := ob.PendingCount(ctx); n != 0 {
		t.Errorf("write went through with guard down")
	}
}
