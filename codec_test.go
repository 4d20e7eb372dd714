package chatrelay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestJSONCodecWireFormat(t *testing.T) {
	// The JSON key names are the protocol. If this test breaks, every
	// deployed gateway breaks with it.
	ev := EventPayload{
		EventID:       "ev-1",
		AggregateType: AggregateMessage,
		AggregateID:   "msg-1",
		Payload:       json.RawMessage(`{"event_type":"message.sent"}`),
		CreatedAt:     1700000000000,
	}

	data, err := JSONCodec{}.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"event_id", "aggregate_type", "aggregate_id", "payload", "created_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire key %q", key)
		}
	}

	got, err := JSONCodec{}.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecDecodeMalformed(t *testing.T) {
	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			if _, err := c.Decode([]byte("not a payload")); !errors.Is(err, ErrDecode) {
				t.Errorf("got %v, want ErrDecode", err)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "json"},
		{name: "json", want: "json"},
		{name: "msgpack", want: "msgpack"},
		{name: "gob", wantErr: true},
	}
	for _, tt := range tests {
		t.Run("name="+tt.name, func(t *testing.T) {
			c, err := CodecByName(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownCodec) {
					t.Fatalf("got %v, want ErrUnknownCodec", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("got codec %q, want %q", c.Name(), tt.want)
			}
		})
	}
}

func TestNewMessageEvent(t *testing.T) {
	inner := json.RawMessage(`{"event_type":"message.sent","message_id":"m1"}`)
	ev := NewMessageEvent("m1", inner)

	if ev.AggregateType != AggregateMessage {
		t.Errorf("aggregate type = %q", ev.AggregateType)
	}
	if ev.AggregateID != "m1" {
		t.Errorf("aggregate id = %q", ev.AggregateID)
	}
	if ev.EventID == "" {
		t.Error("empty event id")
	}
	if ev.CreatedAt == 0 {
		t.Error("zero created_at")
	}
	if string(ev.Payload) != string(inner) {
		t.Error("payload was re-encoded")
	}
}
