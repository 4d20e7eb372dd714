// Package transport provides the broadcast bus abstraction the delivery
// pipeline runs on.
//
// Transports carry raw bytes. Encoding belongs to the caller so the wire
// format stays stable regardless of which driver (redis, nats, channel) is
// underneath. Implementations should import this package rather than the
// parent chatrelay package to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// Transport is a broadcast bus: every subscription on a channel receives
// every published message. There is no worker-group load balancing here;
// the gateway design depends on every instance seeing every event.
type Transport interface {
	// Publish sends data to all current subscribers of the channel.
	// No subscribers is not an error; the message is dropped.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe creates a subscription to a channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close shuts down the transport and closes all subscriptions.
	Close(ctx context.Context) error
}

// Subscription is a subscriber's connection to a channel.
//
// The Messages channel closes when the subscription is closed or the
// underlying connection is lost. Consumers treat the close as a disconnect
// signal and decide whether to resubscribe.
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive raw payloads
	Messages() <-chan []byte

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	// Health performs a health check and returns the result.
	// The context can be used to set a timeout for the health check.
	Health(ctx context.Context) *HealthCheckResult
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	// Random value between -factor and +factor
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
