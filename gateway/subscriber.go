package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/transport"
)

// EventHandler consumes one decoded bus event.
type EventHandler func(chatrelay.EventPayload)

// Subscriber owns this instance's single bus subscription and keeps it
// alive. A closed message stream means the connection died; the subscriber
// waits out an exponential backoff and resubscribes, resetting the delay
// after any successful reconnect. Malformed payloads are logged and
// dropped, never fatal.
//
// Start and Stop are idempotent.
type Subscriber struct {
	transport transport.Transport
	handler   EventHandler
	channel   string
	codec     chatrelay.Codec
	backoff   *transport.Backoff
	logger    *slog.Logger

	running int32
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewSubscriber creates a subscriber on the default channel with the JSON
// codec and 1s to 30s reconnect backoff.
func NewSubscriber(t transport.Transport, handler EventHandler) *Subscriber {
	return &Subscriber{
		transport: t,
		handler:   handler,
		channel:   chatrelay.DefaultChannel,
		codec:     chatrelay.JSONCodec{},
		backoff:   transport.NewBackoff(time.Second, 30*time.Second, 2),
		logger:    slog.Default().With("component", "gateway.subscriber"),
	}
}

// WithChannel sets the channel to subscribe on. Returns the subscriber for
// method chaining.
func (s *Subscriber) WithChannel(channel string) *Subscriber {
	if channel != "" {
		s.channel = channel
	}
	return s
}

// WithCodec sets the bus codec, matching the publisher's. Returns the
// subscriber for method chaining.
func (s *Subscriber) WithCodec(c chatrelay.Codec) *Subscriber {
	if c != nil {
		s.codec = c
	}
	return s
}

// WithBackoff sets the reconnect backoff. Returns the subscriber for
// method chaining.
func (s *Subscriber) WithBackoff(b *transport.Backoff) *Subscriber {
	if b != nil {
		s.backoff = b
	}
	return s
}

// WithLogger sets a custom logger. Returns the subscriber for method
// chaining.
func (s *Subscriber) WithLogger(l *slog.Logger) *Subscriber {
	if l != nil {
		s.logger = l
	}
	return s
}

// Start launches the subscription loop. Starting a running subscriber is a
// no-op.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the loop and waits for it to exit. Stopping a stopped
// subscriber is a no-op.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadInt32(&s.running) == 0 {
		return
	}
	s.cancel()
	<-s.done
}

// IsRunning reports whether the loop is live. It stays true across
// reconnect attempts; only Stop or context cancellation end the loop.
func (s *Subscriber) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer atomic.StoreInt32(&s.running, 0)

	for {
		sub, err := s.transport.Subscribe(ctx, s.channel)
		if err != nil {
			if !s.wait(ctx) {
				return
			}
			continue
		}

		s.backoff.Reset()
		s.logger.Info("subscribed", "channel", s.channel, "subscription_id", sub.ID())

		if !s.listen(ctx, sub) {
			sub.Close(context.Background())
			return
		}
		// Stream closed under us, connection is gone. Close releases the
		// dead subscription's transport-side state; Close is idempotent,
		// so racing the transport's own teardown is fine.
		sub.Close(context.Background())
		s.logger.Warn("subscription lost, reconnecting", "channel", s.channel)
		if !s.wait(ctx) {
			return
		}
	}
}

// listen consumes the stream until it closes. Returns false when the
// context ended the loop, true when the stream died and a reconnect is due.
func (s *Subscriber) listen(ctx context.Context, sub transport.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case data, ok := <-sub.Messages():
			if !ok {
				return true
			}
			ev, err := s.codec.Decode(data)
			if err != nil {
				s.logger.Warn("dropping malformed bus payload", "error", err)
				continue
			}
			s.handler(ev)
		}
	}
}

// wait sleeps out the next backoff step. Returns false if the context was
// cancelled during the wait.
func (s *Subscriber) wait(ctx context.Context) bool {
	delay := s.backoff.Next()
	s.logger.Debug("reconnect backoff", "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
