package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// AddResult reports what Add found for the user. A reconnect carries the
// prior connection's timestamp so the welcome frame can tell the client how
// big its gap is.
type AddResult struct {
	IsReconnect         bool
	PreviousConnectedAt time.Time
}

// Manager is the per-instance connection registry, one live client per
// user. The lock covers only map access, never a send or a socket
// operation.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
	metrics *Metrics
}

// NewManager creates an empty connection registry.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		logger:  slog.Default().With("component", "gateway.manager"),
		metrics: NopMetrics(),
	}
}

// WithLogger sets a custom logger. Returns the manager for method chaining.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// WithMetrics sets the metrics sink. Returns the manager for method
// chaining.
func (m *Manager) WithMetrics(mt *Metrics) *Manager {
	if mt != nil {
		m.metrics = mt
	}
	return m
}

// Add registers a client for its user. An existing client for the same
// user is closed and replaced; the result reports the replacement so the
// caller can send a reconnected frame instead of a welcome.
func (m *Manager) Add(client *Client) AddResult {
	m.mu.Lock()
	prev := m.clients[client.UserID]
	m.clients[client.UserID] = client
	n := len(m.clients)
	m.mu.Unlock()

	var res AddResult
	if prev != nil {
		prev.Close()
		res = AddResult{IsReconnect: true, PreviousConnectedAt: prev.ConnectedAt}
		m.logger.Debug("connection replaced", "user_id", client.UserID)
	}

	m.metrics.IncConnects()
	m.metrics.SetConnections(n)
	return res
}

// Remove deregisters a client, but only if it is still the registered one.
// A disconnect cleanup racing a fresh connect for the same user must not
// evict the fresh connection.
func (m *Manager) Remove(client *Client) {
	m.mu.Lock()
	current, ok := m.clients[client.UserID]
	if ok && current == client {
		delete(m.clients, client.UserID)
	}
	n := len(m.clients)
	m.mu.Unlock()

	client.Close()
	m.metrics.IncDisconnects()
	m.metrics.SetConnections(n)
}

// RemoveAndWait removes the client and blocks until its registered tasks
// have exited. For orderly shutdown.
func (m *Manager) RemoveAndWait(client *Client) {
	m.Remove(client)
	client.Wait()
}

// Get returns the live client for a user, if any.
func (m *Manager) Get(userID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[userID]
	return c, ok
}

// SendToUser enqueues data for a user without blocking. Returns false when
// the user has no live client here or the client's queue is full. The
// caller decides what a full queue means; the manager just reports it.
func (m *Manager) SendToUser(userID string, data []byte) bool {
	m.mu.RLock()
	c, ok := m.clients[userID]
	m.mu.RUnlock()
	if !ok || c.IsClosed() {
		return false
	}
	return c.TrySend(data)
}

// All returns a snapshot of every registered client, for shutdown drains.
func (m *Manager) All() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll closes every client and empties the registry, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	m.metrics.SetConnections(0)
}
