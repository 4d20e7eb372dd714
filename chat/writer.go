package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/idempotency"
	"github.com/kharwell/chatrelay/outbox"
)

// Writer performs the atomic message write: idempotency check, one
// transaction covering the message and its outbox event, and key release
// on any failure so the client's retry is not locked out.
//
// Example:
//
//	writer := chat.NewWriter(store, guard)
//	msg, err := writer.Send(ctx, chat.SendRequest{
//	    ConversationID: convID,
//	    SenderID:       userID,
//	    ReceiverIDs:    []string{peerID},
//	    Content:        body,
//	    IdempotencyKey: clientKey,
//	})
type Writer struct {
	store  Store
	guard  idempotency.Guard
	logger *slog.Logger
}

// NewWriter creates a message writer.
func NewWriter(store Store, guard idempotency.Guard) *Writer {
	return &Writer{
		store:  store,
		guard:  guard,
		logger: slog.Default().With("component", "chat.writer"),
	}
}

// WithLogger sets a custom logger. Returns the writer for method chaining.
func (w *Writer) WithLogger(l *slog.Logger) *Writer {
	if l != nil {
		w.logger = l
	}
	return w
}

// Send writes one message. The returned error is one of the validation
// sentinels, idempotency.ErrDuplicateRequest, a wrapped
// idempotency.ErrBackendUnavailable, or a store error. On every failure
// after a fresh key reservation the key is released, so retrying with the
// same key stays possible until a send actually commits.
func (w *Writer) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := w.guard.Check(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	}

	msg, err := w.write(ctx, req)
	if err != nil {
		if rmErr := w.guard.Remove(ctx, req.IdempotencyKey); rmErr != nil {
			// Key stays burned until its TTL expires. Worth a log line,
			// not worth masking the original failure.
			w.logger.Error("failed to release idempotency key",
				"key", req.IdempotencyKey, "error", rmErr)
		}
		return nil, err
	}

	w.logger.Debug("message written",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID)
	return msg, nil
}

func (w *Writer) write(ctx context.Context, req SendRequest) (*Message, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.UpsertConversation(ctx, req.ConversationID); err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	members := append([]string{req.SenderID}, req.ReceiverIDs...)
	if err := tx.AddParticipants(ctx, req.ConversationID, members); err != nil {
		return nil, fmt.Errorf("add participants: %w", err)
	}

	msg := &Message{
		ID:             chatrelay.NewID(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.UpdateLastMessage(ctx, req.ConversationID, req.Content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("update conversation summary: %w", err)
	}

	participants, err := tx.Participants(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	inner, err := json.Marshal(chatrelay.MessagePayload{
		EventType:      chatrelay.EventTypeMessageSent,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverIDs:    receiversOf(participants, msg.SenderID),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	ev := outbox.NewEvent(chatrelay.AggregateMessage, msg.ID, inner)
	if err := tx.InsertOutbox(ctx, ev); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msg, nil
}

// receiversOf is the participant list minus the sender. The sender already
// has the message; routing it back would double-render on their client.
func receiversOf(participants []string, senderID string) []string {
	receivers := make([]string, 0, len(participants))
	for _, id := range participants {
		if id != senderID {
			receivers = append(receivers, id)
		}
	}
	return receivers
}
