package gateway

import (
	"testing"
	"time"
)

func TestManagerAdd(t *testing.T) {
	m := NewManager()

	first := NewClient("alice", nil)
	res := m.Add(first)
	if res.IsReconnect {
		t.Error("first connection reported as reconnect")
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	second := NewClient("alice", nil)
	res = m.Add(second)
	if !res.IsReconnect {
		t.Error("replacement not reported as reconnect")
	}
	if !res.PreviousConnectedAt.Equal(first.ConnectedAt) {
		t.Errorf("previous connected at = %v, want %v", res.PreviousConnectedAt, first.ConnectedAt)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d after replacement, want 1", m.Count())
	}

	// The replaced client is closed and its context cancelled
	if !first.IsClosed() {
		t.Error("replaced client not closed")
	}
	select {
	case <-first.Context().Done():
	case <-time.After(time.Second):
		t.Error("replaced client context not cancelled")
	}

	if got, ok := m.Get("alice"); !ok || got != second {
		t.Error("registry does not hold the new client")
	}
}

func TestManagerRemoveStale(t *testing.T) {
	m := NewManager()

	old := NewClient("alice", nil)
	m.Add(old)
	fresh := NewClient("alice", nil)
	m.Add(fresh)

	// A disconnect cleanup for the superseded connection must not evict
	// the fresh one
	m.Remove(old)
	if got, ok := m.Get("alice"); !ok || got != fresh {
		t.Fatal("stale remove evicted the fresh connection")
	}

	m.Remove(fresh)
	if _, ok := m.Get("alice"); ok {
		t.Error("client still registered after remove")
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}

func TestManagerSendToUser(t *testing.T) {
	m := NewManager()
	client := NewClient("alice", nil)
	m.Add(client)

	t.Run("delivers", func(t *testing.T) {
		if !m.SendToUser("alice", []byte("hi")) {
			t.Fatal("send to live client failed")
		}
		select {
		case data := <-client.Send():
			if string(data) != "hi" {
				t.Errorf("got %q", data)
			}
		default:
			t.Fatal("nothing enqueued")
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if m.SendToUser("nobody", []byte("hi")) {
			t.Error("send to absent user reported success")
		}
	})

	t.Run("closed client", func(t *testing.T) {
		client.Close()
		if m.SendToUser("alice", []byte("hi")) {
			t.Error("send to closed client reported success")
		}
	})

	t.Run("full queue", func(t *testing.T) {
		full := NewClient("bob", nil)
		m.Add(full)
		for full.TrySend([]byte("x")) {
		}
		if m.SendToUser("bob", []byte("one more")) {
			t.Error("send to full queue reported success")
		}
		// Queue-full does not itself close the connection
		if full.IsClosed() {
			t.Error("full queue closed the client")
		}
	})
}

func TestManagerRemoveAndWait(t *testing.T) {
	m := NewManager()
	client := NewClient("alice", nil)
	m.Add(client)

	done := make(chan struct{})
	client.AddTask()
	go func() {
		<-client.Context().Done()
		close(done)
		client.TaskDone()
	}()

	m.RemoveAndWait(client)
	select {
	case <-done:
	default:
		t.Error("RemoveAndWait returned before the task exited")
	}
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager()
	a := NewClient("alice", nil)
	b := NewClient("bob", nil)
	m.Add(a)
	m.Add(b)

	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("count = %d after CloseAll", m.Count())
	}
	if !a.IsClosed() || !b.IsClosed() {
		t.Error("clients not closed")
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	c := NewClient("alice", nil)
	c.Close()
	c.Close()
	if !c.IsClosed() {
		t.Error("client not closed")
	}
	if c.TrySend([]byte("late")) {
		t.Error("send to closed client succeeded")
	}
}
