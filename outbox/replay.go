package outbox

import (
	"context"

	"github.com/kharwell/chatrelay/dlq"
)

// Replayer builds a dlq.ReplayFunc that reinserts dead-lettered events into
// the outbox as fresh pending rows. The reinsert is an upsert on the event
// ID, so replaying the same dead letter twice does not fork the event.
func Replayer(store Store) dlq.ReplayFunc {
	return func(ctx context.Context, msg *dlq.Message) error {
		return store.Reinsert(ctx, &Event{
			ID:            msg.EventID,
			AggregateType: msg.AggregateType,
			AggregateID:   msg.AggregateID,
			Payload:       msg.Payload,
			Status:        StatusPending,
			CreatedAt:     msg.EventCreated,
		})
	}
}
