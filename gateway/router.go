package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kharwell/chatrelay"
)

// Router dispatches bus events to locally connected receivers.
//
// Every instance sees every event; a receiver with no client here is
// simply elsewhere, which is the normal case and not a failure. A receiver
// whose queue is full is a slow consumer and gets evicted so a stalled
// peer cannot pin memory.
type Router struct {
	manager *Manager
	logger  *slog.Logger
	metrics *Metrics
}

// NewRouter creates a router over the instance's connection registry.
func NewRouter(manager *Manager) *Router {
	return &Router{
		manager: manager,
		logger:  slog.Default().With("component", "gateway.router"),
		metrics: NopMetrics(),
	}
}

// WithLogger sets a custom logger. Returns the router for method chaining.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.logger = l
	}
	return r
}

// WithMetrics sets the metrics sink. Returns the router for method
// chaining.
func (r *Router) WithMetrics(m *Metrics) *Router {
	if m != nil {
		r.metrics = m
	}
	return r
}

// HandleEvent routes one decoded bus event. Unknown aggregate types and
// malformed inner payloads are dropped with a log line; the subscription
// must keep flowing no matter what arrives on it.
func (r *Router) HandleEvent(ev chatrelay.EventPayload) {
	if ev.AggregateType != chatrelay.AggregateMessage {
		return
	}
	start := time.Now()

	var inner chatrelay.MessagePayload
	if err := json.Unmarshal(ev.Payload, &inner); err != nil {
		r.logger.Warn("dropping event with malformed payload",
			"event_id", ev.EventID, "error", err)
		return
	}

	// Receivers get the full envelope, re-encoded so every client sees
	// identical bytes regardless of the bus codec.
	wire, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode event for delivery",
			"event_id", ev.EventID, "error", err)
		return
	}

	for _, userID := range inner.ReceiverIDs {
		client, ok := r.manager.Get(userID)
		if !ok {
			// Connected to another instance or offline. Not ours.
			continue
		}
		if client.IsClosed() {
			r.metrics.IncDropped()
			continue
		}
		if !client.TrySend(wire) {
			// Full queue. Evict rather than let the backlog grow; the
			// client reconnects and backfills from the gap frame.
			r.logger.Warn("evicting slow consumer",
				"user_id", userID, "event_id", ev.EventID)
			r.metrics.IncDropped()
			r.manager.Remove(client)
			continue
		}
		r.metrics.IncSent()
	}

	r.metrics.ObserveDispatch(time.Since(start))
}
