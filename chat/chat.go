// Package chat implements the transactional message write path.
//
// Writer.Send is the single entry point: it validates the request, reserves
// the idempotency key, and then runs one database transaction that writes
// the message, updates the conversation summary, and inserts the outbox
// event. The outbox row and the message row commit or roll back together,
// so a delivery event exists exactly when its message does. Publishing the
// event is not this package's job; the outbox processor picks it up.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/kharwell/chatrelay/outbox"
)

// Validation errors, returned before any store access.
var (
	ErrEmptyConversationID = errors.New("conversation id is required")
	ErrEmptySenderID       = errors.New("sender id is required")
	ErrEmptyContent        = errors.New("message content is required")
	ErrEmptyIdempotencyKey = errors.New("idempotency key is required")
	ErrContentTooLong      = errors.New("message content too long")
)

// MaxContentLength bounds a single message body.
const MaxContentLength = 4000

// Message is a chat message. Immutable once written; only ever read back.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
}

// SendRequest carries one send attempt. ReceiverIDs name the users the
// sender is addressing; together with the sender they become conversation
// participants if they are not already. IdempotencyKey must be distinct per
// logical attempt and reused on retries of the same attempt.
type SendRequest struct {
	ConversationID string
	SenderID       string
	ReceiverIDs    []string
	Content        string
	IdempotencyKey string
}

// Validate checks the request fields. Receiver list may be empty; the
// conversation's existing participants still receive the message.
func (r SendRequest) Validate() error {
	if r.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if r.SenderID == "" {
		return ErrEmptySenderID
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if r.IdempotencyKey == "" {
		return ErrEmptyIdempotencyKey
	}
	return nil
}

// Store opens write transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic write unit. Implementations map each method onto the
// backing store; nothing is visible to readers until Commit. Rollback after
// Commit must be a no-op so callers can defer it unconditionally.
type Tx interface {
	// UpsertConversation creates the conversation row if it does not exist.
	UpsertConversation(ctx context.Context, conversationID string) error

	// AddParticipants registers users as conversation members. Users that
	// are already members are skipped, not an error.
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error

	// InsertMessage writes the message row.
	InsertMessage(ctx context.Context, msg *Message) error

	// UpdateLastMessage refreshes the conversation's denormalized summary.
	UpdateLastMessage(ctx context.Context, conversationID, content string, at time.Time) error

	// Participants returns every member of the conversation, including
	// any added earlier in this transaction.
	Participants(ctx context.Context, conversationID string) ([]string, error)

	// InsertOutbox writes the delivery event in this same transaction.
	InsertOutbox(ctx context.Context, ev *outbox.Event) error

	Commit() error
	Rollback() error
}
