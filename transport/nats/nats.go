// Package nats provides a NATS core transport implementation.
//
// NATS core subjects are broadcast with at-most-once delivery, the same
// contract as Redis Pub/Sub. The NATS client reconnects on its own, so short
// broker outages look like gaps in delivery rather than subscription death;
// the messages channel still closes if the connection is closed for good,
// which lets consumers run their usual resubscribe path.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kharwell/chatrelay/transport"
)

// Transport implements transport.Transport over NATS core subjects
type Transport struct {
	nc     *nats.Conn
	status int32
	subs   sync.Map // map[string]*subscription
	logger *slog.Logger

	bufferSize int
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	subject  string
	natsSub  *nats.Subscription
	msgCh    chan *nats.Msg
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
		return s.natsSub.Unsubscribe()
	}
	return nil
}

// forwardLoop copies subscription messages out until the subscription is
// closed or the connection dies for good. nats.go does not close the
// ChanSubscribe channel on connection death, so a ticker watches for it.
func (s *subscription) forwardLoop() {
	defer close(s.ch)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			select {
			case s.ch <- msg.Data:
			case <-s.closedCh:
				return
			}
		case <-ticker.C:
			if s.tr.nc.IsClosed() {
				s.tr.logger.Warn("nats connection closed", "subject", s.subject, "subscriber", s.id)
				return
			}
		case <-s.closedCh:
			return
		}
	}
}

// New creates a NATS transport over an established connection.
func New(nc *nats.Conn, opts ...Option) *Transport {
	o := newOptions(opts...)
	return &Transport{
		nc:         nc,
		status:     1,
		logger:     o.logger,
		bufferSize: o.bufferSize,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish sends data to all current subscribers of the subject
func (t *Transport) Publish(ctx context.Context, channel string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := t.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	t.logger.Debug("published", "subject", channel, "bytes", len(data))
	return nil
}

// Subscribe creates a subscription to a subject
func (t *Transport) Subscribe(ctx context.Context, channel string) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	msgCh := make(chan *nats.Msg, t.bufferSize)
	natsSub, err := t.nc.ChanSubscribe(channel, msgCh)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	sub := &subscription{
		id:       transport.NewID(),
		subject:  channel,
		natsSub:  natsSub,
		msgCh:    msgCh,
		ch:       make(chan []byte, t.bufferSize),
		closedCh: make(chan struct{}),
		tr:       t,
	}
	t.subs.Store(sub.id, sub)

	go sub.forwardLoop()

	t.logger.Debug("subscribed", "subject", channel, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all subscriptions.
// The NATS connection itself belongs to the caller and stays open.
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

// Health reports connection state as seen by the NATS client
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	status := t.nc.Status()
	result.Details["connection"] = status.String()
	result.Latency = time.Since(start)

	switch status {
	case nats.CONNECTED:
		result.Status = transport.HealthStatusHealthy
		result.Message = "nats transport is healthy"
	case nats.RECONNECTING:
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats connection reconnecting"
	default:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("nats connection %s", status)
	}
	return result
}

// Compile-time interface checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
