package chat

import (
	"context"
	"database/sql"
	"time"

	"github.com/kharwell/chatrelay/outbox"
)

// PostgresStore implements Store on PostgreSQL via database/sql.
//
// Expected schema:
//
//	CREATE TABLE conversations (
//	    id                   TEXT PRIMARY KEY,
//	    last_message_content TEXT NOT NULL DEFAULT '',
//	    last_message_at      TIMESTAMPTZ,
//	    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE conversation_participants (
//	    conversation_id TEXT NOT NULL REFERENCES conversations(id),
//	    user_id         TEXT NOT NULL,
//	    joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (conversation_id, user_id)
//	);
//
//	CREATE TABLE messages (
//	    id              TEXT PRIMARY KEY,
//	    conversation_id TEXT NOT NULL REFERENCES conversations(id),
//	    sender_id       TEXT NOT NULL,
//	    content         TEXT NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_messages_conversation ON messages (conversation_id, created_at);
//
// Plus the outbox_events table documented in the outbox package; the outbox
// insert runs on the same *sql.Tx as the message insert.
type PostgresStore struct {
	db     *sql.DB
	outbox *outbox.PostgresStore
}

// NewPostgresStore creates a Postgres-backed write store. The outbox store
// handles the event insert so table naming stays in one place.
func NewPostgresStore(db *sql.DB, ob *outbox.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, outbox: ob}
}

// Begin opens a write transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, outbox: s.outbox}, nil
}

type postgresTx struct {
	tx     *sql.Tx
	outbox *outbox.PostgresStore
}

func (t *postgresTx) UpsertConversation(ctx context.Context, conversationID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, conversationID)
	return err
}

func (t *postgresTx) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	// One round trip for the whole batch; unnest pairs each user with the
	// conversation id. The pgx driver encodes []string as text[].
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, userIDs)
	return err
}

func (t *postgresTx) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	return err
}

func (t *postgresTx) UpdateLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_content = $2, last_message_at = $3
		WHERE id = $1
	`, conversationID, content, at)
	return err
}

func (t *postgresTx) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (t *postgresTx) InsertOutbox(ctx context.Context, ev *outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, ev)
}

func (t *postgresTx) Commit() error   { return t.tx.Commit() }
func (t *postgresTx) Rollback() error { return t.tx.Rollback() }

// Compile-time checks
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
