// Package gateway holds the stateless delivery edge: per-connection client
// state, the per-process connection registry, the bus subscriber with
// reconnect backoff, and the router that filters broadcast events down to
// locally connected users.
//
// Every gateway instance subscribes to the same broadcast channel and sees
// every event. An instance only acts on receivers connected to it; a
// receiver connected elsewhere is another instance's job. That keeps
// instances stateless and removes any shared connection directory.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-client outbound queue capacity. A client
// whose queue fills up is a slow consumer and gets evicted.
const DefaultSendBuffer = 256

// Client is the per-connection state for one user on this instance.
//
// Send is the bounded outbound queue; the write pump drains it onto the
// socket. Closing a client cancels its context, which the pumps observe,
// and closes the socket. Close is idempotent.
type Client struct {
	UserID      string
	ConnectedAt time.Time

	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	closed int32
	tasks  sync.WaitGroup
}

// NewClient creates a client for an accepted connection.
func NewClient(userID string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		UserID:      userID,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, DefaultSendBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled when the client closes. Pumps and any per-client
// goroutine must exit on it.
func (c *Client) Context() context.Context { return c.ctx }

// Conn returns the underlying connection for the pumps.
func (c *Client) Conn() *websocket.Conn { return c.conn }

// Send returns the outbound queue for the write pump to drain.
func (c *Client) Send() <-chan []byte { return c.send }

// TrySend enqueues data without blocking. Returns false when the client is
// closed or the queue is full; a full queue is the slow-consumer signal.
func (c *Client) TrySend(data []byte) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close cancels the client's context and closes the connection. Safe to
// call from any goroutine, any number of times. The send channel is left
// open; the write pump exits via the context instead, so TrySend never
// races a channel close.
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// AddTask records a goroutine working on behalf of this client. The pumps
// register themselves so shutdown can wait for them.
func (c *Client) AddTask() { c.tasks.Add(1) }

// TaskDone marks a registered goroutine finished.
func (c *Client) TaskDone() { c.tasks.Done() }

// Wait blocks until every registered task has finished.
func (c *Client) Wait() { c.tasks.Wait() }
