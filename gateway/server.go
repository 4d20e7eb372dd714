package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Connection timing
const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second

	maxInboundSize = 4096
)

// Server upgrades HTTP requests to WebSocket connections and runs the
// per-connection pumps. Identity arrives resolved in the X-User-ID header;
// authentication lives in front of the gateway, not in it.
type Server struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a WebSocket server over the connection registry.
func NewServer(manager *Manager) *Server {
	return &Server{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy belongs to the proxy in front
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "gateway.server"),
	}
}

// WithLogger sets a custom logger. Returns the server for method chaining.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// ServeHTTP handles one connection: upgrade, register, send the connect
// frame, run the pumps until either side goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := NewClient(userID, conn)
	res := s.manager.Add(client)

	frame, err := ConnectFrame(userID, res)
	if err != nil {
		s.logger.Error("failed to build connect frame", "user_id", userID, "error", err)
		s.manager.Remove(client)
		return
	}
	client.TrySend(frame)

	s.logger.Info("client connected",
		"user_id", userID,
		"reconnect", res.IsReconnect,
		"instance_id", InstanceID())

	client.AddTask()
	go s.writePump(client)
	client.AddTask()
	go s.readPump(client)
}

// readPump drains inbound frames. The gateway is delivery-only, so inbound
// data is discarded; the pump exists to surface disconnects and answer
// pings.
func (s *Server) readPump(client *Client) {
	defer client.TaskDone()
	defer s.manager.Remove(client)

	conn := client.Conn()
	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error", "user_id", client.UserID, "error", err)
			}
			return
		}
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Exits on client close or write failure.
func (s *Server) writePump(client *Client) {
	defer client.TaskDone()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	conn := client.Conn()

	for {
		select {
		case <-client.Context().Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.manager.Remove(client)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.manager.Remove(client)
				return
			}
		}
	}
}
