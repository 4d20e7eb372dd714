package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/dlq"
	"github.com/kharwell/chatrelay/transport"
)

// Default processor configuration
const (
	DefaultPollInterval    = 3 * time.Second
	DefaultBatchSize       = 100
	DefaultWorkerCount     = 10
	DefaultMaxRetries      = 3
	DefaultBaseBackoff     = time.Second
	DefaultCleanupAge      = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Processor polls the outbox and publishes claimed events to the transport.
//
// Each poll claims a batch and fans it out over a bounded worker pool.
// A failed publish releases the event back to pending with an exponential
// retry delay; once retries are exhausted the event moves to the dead-letter
// store with its payload intact and leaves the outbox. A cleanup loop
// deletes old processed rows.
//
// Multiple processor instances can run against the same store; the store's
// claim contract keeps them off each other's events.
//
// Example:
//
//	store := outbox.NewPostgresStore(db)
//	proc := outbox.NewProcessor(store, transport).
//	    WithChannel(chatrelay.DefaultChannel).
//	    WithDeadLetter(dlqStore).
//	    WithPollInterval(time.Second)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go proc.Start(ctx)
//	// cancel() to stop
type Processor struct {
	store     Store
	transport transport.Transport
	deadLet   dlq.Store
	codec     chatrelay.Codec
	channel   string

	pollInterval    time.Duration
	batchSize       int
	workerCount     int
	maxRetries      int
	baseBackoff     time.Duration
	cleanupAge      time.Duration
	cleanupInterval time.Duration

	metrics *Metrics
	logger  *slog.Logger
	running int32
}

// NewProcessor creates a processor with default configuration: 3s poll,
// batches of 100, 10 workers, 3 retries starting at 1s, JSON codec on the
// default channel, daily cleanup of processed rows.
func NewProcessor(store Store, t transport.Transport) *Processor {
	return &Processor{
		store:           store,
		transport:       t,
		codec:           chatrelay.JSONCodec{},
		channel:         chatrelay.DefaultChannel,
		pollInterval:    DefaultPollInterval,
		batchSize:       DefaultBatchSize,
		workerCount:     DefaultWorkerCount,
		maxRetries:      DefaultMaxRetries,
		baseBackoff:     DefaultBaseBackoff,
		cleanupAge:      DefaultCleanupAge,
		cleanupInterval: DefaultCleanupInterval,
		metrics:         NopMetrics(),
		logger:          slog.Default().With("component", "outbox.processor"),
	}
}

// WithChannel sets the transport channel to publish on. Returns the
// processor for method chaining.
func (p *Processor) WithChannel(channel string) *Processor {
	if channel != "" {
		p.channel = channel
	}
	return p
}

// WithCodec sets the envelope codec. Every consumer on the channel must use
// the same one. Returns the processor for method chaining.
func (p *Processor) WithCodec(c chatrelay.Codec) *Processor {
	if c != nil {
		p.codec = c
	}
	return p
}

// WithDeadLetter sets the dead-letter store exhausted events move to.
// Without one, exhausted events stay pending and keep retrying.
// Returns the processor for method chaining.
func (p *Processor) WithDeadLetter(store dlq.Store) *Processor {
	p.deadLet = store
	return p
}

// WithPollInterval sets the polling interval. Lower is lower latency and
// more database load. Returns the processor for method chaining.
func (p *Processor) WithPollInterval(d time.Duration) *Processor {
	if d > 0 {
		p.pollInterval = d
	}
	return p
}

// WithBatchSize sets how many events one poll claims. Returns the processor
// for method chaining.
func (p *Processor) WithBatchSize(size int) *Processor {
	if size > 0 {
		p.batchSize = size
	}
	return p
}

// WithWorkerCount bounds concurrent publishes per poll. Returns the
// processor for method chaining.
func (p *Processor) WithWorkerCount(n int) *Processor {
	if n > 0 {
		p.workerCount = n
	}
	return p
}

// WithMaxRetries sets how many failed publishes an event gets before moving
// to the dead-letter store. Returns the processor for method chaining.
func (p *Processor) WithMaxRetries(n int) *Processor {
	if n > 0 {
		p.maxRetries = n
	}
	return p
}

// WithBaseBackoff sets the first retry delay; attempt n waits
// base * 2^(n-1). Returns the processor for method chaining.
func (p *Processor) WithBaseBackoff(d time.Duration) *Processor {
	if d > 0 {
		p.baseBackoff = d
	}
	return p
}

// WithCleanupAge sets how long processed rows are kept. Returns the
// processor for method chaining.
func (p *Processor) WithCleanupAge(age time.Duration) *Processor {
	if age > 0 {
		p.cleanupAge = age
	}
	return p
}

// WithMetrics sets the Prometheus metrics sink. Returns the processor for
// method chaining.
func (p *Processor) WithMetrics(m *Metrics) *Processor {
	if m != nil {
		p.metrics = m
	}
	return p
}

// WithLogger sets a custom logger. Returns the processor for method chaining.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	if l != nil {
		p.logger = l
	}
	return p
}

// Start runs the poll and cleanup loops until the context is cancelled.
// Returns context.Canceled on shutdown. Calling Start on a running
// processor is an error.
func (p *Processor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("processor already running")
	}
	defer atomic.StoreInt32(&p.running, 0)

	p.logger.Info("outbox processor started",
		"channel", p.channel,
		"poll_interval", p.pollInterval,
		"batch_size", p.batchSize,
		"workers", p.workerCount)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

// PollOnce claims and publishes one batch. Exported for tests and manual
// triggering; Start calls it on every tick.
func (p *Processor) PollOnce(ctx context.Context) {
	events, err := p.store.ClaimPending(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim pending events", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	p.logger.Debug("claimed batch", "count", len(events))
	p.publishBatch(ctx, events)

	if pending, err := p.store.PendingCount(ctx); err == nil {
		p.metrics.SetPending(pending)
	}
}

// publishBatch fans events out over a bounded worker pool and waits for
// the batch to finish.
func (p *Processor) publishBatch(ctx context.Context, events []*Event) {
	sem := make(chan struct{}, p.workerCount)
	var wg sync.WaitGroup

	for _, ev := range events {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(ev *Event) {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishOne(ctx, ev)
		}(ev)
	}
	wg.Wait()
}

func (p *Processor) publishOne(ctx context.Context, ev *Event) {
	start := time.Now()

	data, err := p.codec.Encode(ev.WirePayload())
	if err != nil {
		// Encoding never self-heals; retrying is pointless
		p.logger.Error("failed to encode event, dead-lettering",
			"event_id", ev.ID, "error", err)
		p.deadLetter(ctx, ev, err)
		return
	}

	if err := p.transport.Publish(ctx, p.channel, data); err != nil {
		p.handleFailure(ctx, ev, err)
		return
	}

	if err := p.store.MarkProcessed(ctx, ev.ID); err != nil {
		// Publish went out; next claim republishes and consumers dedupe
		// by event ID. At-least-once, as promised.
		p.logger.Error("published but failed to mark processed",
			"event_id", ev.ID, "error", err)
		return
	}

	p.metrics.ObservePublish(time.Since(start))
	p.metrics.IncProcessed()
	p.logger.Debug("published event",
		"event_id", ev.ID,
		"aggregate_type", ev.AggregateType,
		"aggregate_id", ev.AggregateID)
}

// handleFailure releases the event for retry or moves it to the dead-letter
// store once retries are exhausted.
func (p *Processor) handleFailure(ctx context.Context, ev *Event, cause error) {
	p.metrics.IncFailed()
	attempt := ev.RetryCount + 1

	if attempt >= p.maxRetries && p.deadLet != nil {
		p.logger.Warn("retries exhausted, moving event to dead letter",
			"event_id", ev.ID,
			"attempts", attempt,
			"error", cause)
		p.deadLetter(ctx, ev, cause)
		return
	}

	delay := p.retryDelay(attempt)
	p.logger.Warn("publish failed, will retry",
		"event_id", ev.ID,
		"attempt", attempt,
		"retry_in", delay,
		"error", cause)
	if err := p.store.Release(ctx, ev.ID, delay, cause); err != nil {
		p.logger.Error("failed to release event", "event_id", ev.ID, "error", err)
	}
}

// retryDelay computes base * 2^(attempt-1) with jitter.
func (p *Processor) retryDelay(attempt int) time.Duration {
	delay := p.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return transport.Jitter(delay, 0.1)
}

// deadLetter moves an event to the dead-letter store and removes it from
// the outbox. The DLQ insert goes first; losing the outbox row before the
// DLQ row would lose the event.
func (p *Processor) deadLetter(ctx context.Context, ev *Event, cause error) {
	if p.deadLet == nil {
		p.logger.Error("no dead letter store configured, event stays in outbox",
			"event_id", ev.ID)
		return
	}

	msg := &dlq.Message{
		ID:            chatrelay.NewID(),
		EventID:       ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       ev.Payload,
		Reason:        cause.Error(),
		RetryCount:    ev.RetryCount + 1,
		FailedAt:      time.Now(),
		EventCreated:  ev.CreatedAt,
	}
	if err := p.deadLet.Store(ctx, msg); err != nil {
		p.logger.Error("failed to store dead letter, event stays in outbox",
			"event_id", ev.ID, "error", err)
		return
	}
	if err := p.store.Delete(ctx, ev.ID); err != nil {
		p.logger.Error("failed to delete dead-lettered event",
			"event_id", ev.ID, "error", err)
		return
	}
	p.metrics.IncDeadLettered()
}

// cleanup removes old processed rows
func (p *Processor) cleanup(ctx context.Context) {
	deleted, err := p.store.DeleteProcessed(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("failed to clean up processed events", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("cleaned up processed outbox events", "count", deleted)
	}
}
