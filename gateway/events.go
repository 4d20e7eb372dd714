package gateway

import (
	"encoding/json"
	"time"
)

// Connect frame types sent once per accepted connection.
const (
	FrameWelcome     = "welcome"
	FrameReconnected = "reconnected"
)

// WelcomeFrame greets a user with no prior connection on this instance.
type WelcomeFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"` // epoch milliseconds
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
}

// ReconnectedFrame replaces the welcome when the user had a live connection
// here. GapDurationMS tells the client how far back to fetch history; it is
// a catch-up instruction, not an error.
type ReconnectedFrame struct {
	Type           string `json:"type"`
	ServerTime     int64  `json:"server_time"` // epoch milliseconds
	UserID         string `json:"user_id"`
	PreviousConnAt int64  `json:"previous_conn_at"` // epoch milliseconds
	GapDurationMS  int64  `json:"gap_duration_ms"`
	InstanceID     string `json:"instance_id"`
}

// ConnectFrame builds the right frame for an Add result.
func ConnectFrame(userID string, res AddResult) ([]byte, error) {
	now := time.Now()
	if !res.IsReconnect {
		return json.Marshal(WelcomeFrame{
			Type:       FrameWelcome,
			ServerTime: now.UnixMilli(),
			UserID:     userID,
			InstanceID: InstanceID(),
		})
	}
	return json.Marshal(ReconnectedFrame{
		Type:           FrameReconnected,
		ServerTime:     now.UnixMilli(),
		UserID:         userID,
		PreviousConnAt: res.PreviousConnectedAt.UnixMilli(),
		GapDurationMS:  now.Sub(res.PreviousConnectedAt).Milliseconds(),
		InstanceID:     InstanceID(),
	})
}
