// Package channel provides an in-memory transport implementation using Go channels.
//
// IMPORTANT: the channel transport is pub/sub within a single process.
// It does NOT provide at-least-once delivery:
//
//   - Messages are lost on process crash or restart
//   - Messages are dropped for subscribers that fall behind
//   - No persistence or redelivery mechanism
//
// It is ideal for tests and embedded single-node deployments. Production
// fan-out across gateway instances uses the redis or nats transports.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kharwell/chatrelay/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status     int32
	channels   sync.Map // map[string]*busChannel
	bufferSize uint
	logger     *slog.Logger

	// Metrics
	meter          metric.Meter
	droppedCounter metric.Int64Counter
}

// busChannel manages subscribers for a single channel name
type busChannel struct {
	name        string
	subscribers sync.Map // map[string]*subscription
	subCount    int64    // atomic counter
}

// subscription implements transport.Subscription
type subscription struct {
	id     string
	ch     chan []byte
	bc     *busChannel
	closed int32
	mu     sync.RWMutex // orders trySend against Close
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		if s.bc != nil {
			s.bc.subscribers.Delete(s.id)
			atomic.AddInt64(&s.bc.subCount, -1)
		}
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	}
	return nil
}

// trySend enqueues data without blocking. The closed check and the send
// happen under the same lock Close closes the channel under, so a send
// can never hit a closed channel. open is false once the subscription is
// closed; delivered is false when the buffer was full.
func (s *subscription) trySend(data []byte) (delivered, open bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if atomic.LoadInt32(&s.closed) != 0 {
		return false, false
	}
	select {
	case s.ch <- data:
		return true, true
	default:
		return false, true
	}
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("chatrelay.transport.channel")
	droppedCounter, _ := meter.Int64Counter("chatrelay.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:         1,
		bufferSize:     o.bufferSize,
		logger:         o.logger,
		meter:          meter,
		droppedCounter: droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) channel(name string) *busChannel {
	if val, ok := t.channels.Load(name); ok {
		return val.(*busChannel)
	}
	val, _ := t.channels.LoadOrStore(name, &busChannel{name: name})
	return val.(*busChannel)
}

// Publish sends data to every current subscriber of the channel.
// A subscriber whose buffer is full gets the message dropped; a slow
// consumer must never stall the broadcast for everyone else.
func (t *Transport) Publish(ctx context.Context, name string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	bc := t.channel(name)
	if atomic.LoadInt64(&bc.subCount) == 0 {
		// No subscribers, drop silently
		return nil
	}

	bc.subscribers.Range(func(key, value any) bool {
		sub := value.(*subscription)
		delivered, open := sub.trySend(data)
		if !open || delivered {
			return true
		}
		t.logger.Debug("dropping message, subscriber buffer full",
			"channel", name,
			"subscriber", sub.id)
		if t.droppedCounter != nil {
			t.droppedCounter.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("channel", name),
					attribute.String("reason", "buffer_full"),
				))
		}
		return true
	})
	return nil
}

// Subscribe creates a subscription to a channel
func (t *Transport) Subscribe(ctx context.Context, name string) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	bc := t.channel(name)
	sub := &subscription{
		id: transport.NewID(),
		ch: make(chan []byte, t.bufferSize),
		bc: bc,
	}

	bc.subscribers.Store(sub.id, sub)
	atomic.AddInt64(&bc.subCount, 1)

	t.logger.Debug("added subscriber", "channel", name, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil // Already closed
	}

	t.channels.Range(func(key, value any) bool {
		bc := value.(*busChannel)
		bc.subscribers.Range(func(k, v any) bool {
			sub := v.(*subscription)
			sub.Close(ctx)
			return true
		})
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var channelCount int
	var totalSubscribers int64
	t.channels.Range(func(key, value any) bool {
		channelCount++
		bc := value.(*busChannel)
		totalSubscribers += atomic.LoadInt64(&bc.subCount)
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "channel"
	result.Details["channels"] = channelCount
	result.Details["subscribers"] = totalSubscribers
	result.Details["buffer_size"] = t.bufferSize

	return result
}

// Compile-time interface checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
