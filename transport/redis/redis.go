// Package redis provides a Redis Pub/Sub transport implementation.
//
// Pub/Sub is fire-and-forget broadcast: every connected subscriber receives
// every message, and messages published while a subscriber is disconnected
// are gone. That is exactly the contract the gateway fan-out wants; durability
// lives in the outbox, not the bus.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kharwell/chatrelay/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Client is the interface for Redis operations used by this transport.
// Implemented by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
}

// Transport implements transport.Transport over Redis Pub/Sub
type Transport struct {
	client Client
	status int32
	subs   sync.Map // map[string]*subscription
	logger *slog.Logger

	bufferSize int

	// Metrics
	meter            metric.Meter
	publishedCounter metric.Int64Counter
	receivedCounter  metric.Int64Counter
	errorCounter     metric.Int64Counter
}

// subscription implements transport.Subscription.
//
// The receive loop is the sole closer of the messages channel: a receive
// error, a context cancel or an explicit Close all funnel into the loop
// exiting and closing the channel exactly once.
type subscription struct {
	id       string
	channel  string
	pubsub   *redis.PubSub
	ch       chan []byte
	closed   int32
	closedCh chan struct{}
	tr       *Transport
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.tr.subs.Delete(s.id)
		// Unsubscribes and makes the receive loop error out
		return s.pubsub.Close()
	}
	return nil
}

// receiveLoop pulls messages until the connection or subscription dies.
// On exit it closes the messages channel, which consumers treat as the
// disconnect signal.
func (s *subscription) receiveLoop(ctx context.Context) {
	defer close(s.ch)

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.tr.logger.Warn("subscription receive failed",
					"channel", s.channel,
					"subscriber", s.id,
					"error", err)
				if s.tr.errorCounter != nil {
					s.tr.errorCounter.Add(ctx, 1,
						metric.WithAttributes(attribute.String("channel", s.channel)))
				}
			}
			return
		}

		if s.tr.receivedCounter != nil {
			s.tr.receivedCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("channel", s.channel)))
		}

		select {
		case s.ch <- []byte(msg.Payload):
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// New creates a Redis Pub/Sub transport using the given client.
func New(client Client, opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("chatrelay.transport.redis")
	publishedCounter, _ := meter.Int64Counter("chatrelay.transport.redis.published",
		metric.WithDescription("Number of messages published"),
		metric.WithUnit("{message}"),
	)
	receivedCounter, _ := meter.Int64Counter("chatrelay.transport.redis.received",
		metric.WithDescription("Number of messages received"),
		metric.WithUnit("{message}"),
	)
	errorCounter, _ := meter.Int64Counter("chatrelay.transport.redis.errors",
		metric.WithDescription("Number of transport errors"),
		metric.WithUnit("{error}"),
	)

	return &Transport{
		client:           client,
		status:           1,
		logger:           o.logger,
		bufferSize:       o.bufferSize,
		meter:            meter,
		publishedCounter: publishedCounter,
		receivedCounter:  receivedCounter,
		errorCounter:     errorCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish sends data to all current subscribers of the channel.
// Zero receivers is normal (no gateway has anyone connected); Pub/Sub
// reports the receiver count and we only record it.
func (t *Transport) Publish(ctx context.Context, channel string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	receivers, err := t.client.Publish(ctx, channel, data).Result()
	if err != nil {
		if t.errorCounter != nil {
			t.errorCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("channel", channel)))
		}
		return fmt.Errorf("redis publish: %w", err)
	}

	if t.publishedCounter != nil {
		t.publishedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("channel", channel)))
	}
	t.logger.Debug("published", "channel", channel, "receivers", receivers, "bytes", len(data))
	return nil
}

// Subscribe creates a Pub/Sub subscription to a channel.
// The returned subscription's Messages channel closes if the connection is
// lost; reconnecting is the consumer's decision.
func (t *Transport) Subscribe(ctx context.Context, channel string) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	pubsub := t.client.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so a Publish immediately
	// after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &subscription{
		id:       transport.NewID(),
		channel:  channel,
		pubsub:   pubsub,
		ch:       make(chan []byte, t.bufferSize),
		closedCh: make(chan struct{}),
		tr:       t,
	}
	t.subs.Store(sub.id, sub)

	go sub.receiveLoop(context.WithoutCancel(ctx))

	t.logger.Debug("subscribed", "channel", channel, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil // Already closed
	}

	t.subs.Range(func(key, value any) bool {
		sub := value.(*subscription)
		sub.Close(ctx)
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check by pinging Redis
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}

	var subCount int
	t.subs.Range(func(key, value any) bool {
		subCount++
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	result.Details["subscriptions"] = subCount
	return result
}

// Compile-time interface checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
