package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConnectFrameWelcome(t *testing.T) {
	data, err := ConnectFrame("alice", AddResult{})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}

	var frame WelcomeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameWelcome {
		t.Errorf("type = %q, want %q", frame.Type, FrameWelcome)
	}
	if frame.UserID != "alice" {
		t.Errorf("user id = %q", frame.UserID)
	}
	if frame.InstanceID == "" {
		t.Error("instance id missing")
	}
	if frame.ServerTime == 0 {
		t.Error("server time missing")
	}
}

func TestConnectFrameReconnected(t *testing.T) {
	prev := time.Now().Add(-42 * time.Second)
	data, err := ConnectFrame("alice", AddResult{
		IsReconnect:         true,
		PreviousConnectedAt: prev,
	})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}

	var frame ReconnectedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameReconnected {
		t.Errorf("type = %q, want %q", frame.Type, FrameReconnected)
	}
	if frame.PreviousConnAt != prev.UnixMilli() {
		t.Errorf("previous conn at = %d, want %d", frame.PreviousConnAt, prev.UnixMilli())
	}
	// The gap covers the disconnected window
	if frame.GapDurationMS < 42000 || frame.GapDurationMS > 43000 {
		t.Errorf("gap = %dms, want about 42s", frame.GapDurationMS)
	}
}
