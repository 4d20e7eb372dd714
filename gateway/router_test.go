package gateway

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kharwell/chatrelay"
)

func messageEvent(t *testing.T, receivers ...string) chatrelay.EventPayload {
	t.Helper()
	inner, err := json.Marshal(chatrelay.MessagePayload{
		EventType:   chatrelay.EventTypeMessageSent,
		MessageID:   "m1",
		SenderID:    "sender",
		ReceiverIDs: receivers,
		Content:     "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	return chatrelay.NewMessageEvent("m1", inner)
}

func TestRouterLocalFilter(t *testing.T) {
	m := NewManager()
	metrics := NopMetrics()
	router := NewRouter(m).WithMetrics(metrics)

	// Three receivers, one connected here
	local := NewClient("bob", nil)
	m.Add(local)

	ev := messageEvent(t, "alice", "bob", "carol")
	router.HandleEvent(ev)

	select {
	case data := <-local.Send():
		var got chatrelay.EventPayload
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("delivered frame not an envelope: %v", err)
		}
		if got.EventID != ev.EventID {
			t.Errorf("event id = %q, want %q", got.EventID, ev.EventID)
		}
	default:
		t.Fatal("local receiver got nothing")
	}

	if n := testutil.ToFloat64(metrics.sent); n != 1 {
		t.Errorf("sent = %v, want 1", n)
	}
	// Remote receivers are not failures
	if n := testutil.ToFloat64(metrics.dropped); n != 0 {
		t.Errorf("dropped = %v, want 0", n)
	}
}

func TestRouterIgnoresOtherAggregates(t *testing.T) {
	m := NewManager()
	router := NewRouter(m)
	client := NewClient("bob", nil)
	m.Add(client)

	router.HandleEvent(chatrelay.EventPayload{
		EventID:       chatrelay.NewID(),
		AggregateType: "presence",
		Payload:       json.RawMessage(`{"receiver_ids":["bob"]}`),
	})

	select {
	case <-client.Send():
		t.Fatal("foreign aggregate delivered")
	default:
	}
}

func TestRouterDropsMalformedPayload(t *testing.T) {
	m := NewManager()
	metrics := NopMetrics()
	router := NewRouter(m).WithMetrics(metrics)
	client := NewClient("bob", nil)
	m.Add(client)

	router.HandleEvent(chatrelay.EventPayload{
		EventID:       chatrelay.NewID(),
		AggregateType: chatrelay.AggregateMessage,
		Payload:       json.RawMessage(`{not json`),
	})

	select {
	case <-client.Send():
		t.Fatal("malformed event delivered")
	default:
	}
}

func TestRouterEvictsSlowConsumer(t *testing.T) {
	m := NewManager()
	metrics := NopMetrics()
	router := NewRouter(m).WithMetrics(metrics)

	slow := NewClient("bob", nil)
	m.Add(slow)
	for slow.TrySend([]byte("backlog")) {
	}

	router.HandleEvent(messageEvent(t, "bob"))

	if n := testutil.ToFloat64(metrics.dropped); n != 1 {
		t.Errorf("dropped = %v, want 1", n)
	}
	// Same call evicts the connection
	if _, ok := m.Get("bob"); ok {
		t.Error("slow consumer still registered")
	}
	if !slow.IsClosed() {
		t.Error("slow consumer not closed")
	}
}

func TestRouterCountsClosedAsDropped(t *testing.T) {
	m := NewManager()
	metrics := NopMetrics()
	router := NewRouter(m).WithMetrics(metrics)

	client := NewClient("bob", nil)
	m.Add(client)
	client.Close()

	router.HandleEvent(messageEvent(t, "bob"))

	if n := testutil.ToFloat64(metrics.dropped); n != 1 {
		t.Errorf("dropped = %v, want 1", n)
	}
}
