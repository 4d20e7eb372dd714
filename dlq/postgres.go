package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store for PostgreSQL.
//
// Schema:
//
//	CREATE TABLE dead_letters (
//	    id             UUID PRIMARY KEY,
//	    event_id       UUID NOT NULL,
//	    aggregate_type VARCHAR(255) NOT NULL,
//	    aggregate_id   UUID NOT NULL,
//	    payload        JSONB NOT NULL,
//	    reason         TEXT NOT NULL,
//	    retry_count    INT NOT NULL,
//	    failed_at      TIMESTAMPTZ NOT NULL,
//	    event_created  TIMESTAMPTZ NOT NULL,
//	    retried_at     TIMESTAMPTZ
//	);
//	CREATE INDEX idx_dead_letters_failed ON dead_letters (failed_at DESC);
//	CREATE INDEX idx_dead_letters_type ON dead_letters (aggregate_type);
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore creates a PostgreSQL dead-letter store on the
// dead_letters table.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tableName: "dead_letters"}
}

// WithTableName sets a custom table name. Returns the store for method chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	if name != "" {
		s.tableName = name
	}
	return s
}

const pgColumns = "id, event_id, aggregate_type, aggregate_id, payload, reason, retry_count, failed_at, event_created, retried_at"

// Store adds a message.
func (s *PostgresStore) Store(ctx context.Context, msg *Message) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.tableName, pgColumns)

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.EventID, msg.AggregateType, msg.AggregateID,
		msg.Payload, msg.Reason, msg.RetryCount, msg.FailedAt,
		msg.EventCreated, msg.RetriedAt,
	)
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var retriedAt sql.NullTime
	err := row.Scan(
		&msg.ID, &msg.EventID, &msg.AggregateType, &msg.AggregateID,
		&msg.Payload, &msg.Reason, &msg.RetryCount, &msg.FailedAt,
		&msg.EventCreated, &retriedAt,
	)
	if err != nil {
		return nil, err
	}
	if retriedAt.Valid {
		msg.RetriedAt = &retriedAt.Time
	}
	return &msg, nil
}

// Get retrieves a message by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", pgColumns, s.tableName)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return msg, nil
}

// buildWhere turns a Filter into a WHERE clause and args.
func buildWhere(filter Filter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.AggregateType != "" {
		conds = append(conds, "aggregate_type = "+arg(filter.AggregateType))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "failed_at >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "failed_at <= "+arg(filter.Until))
	}
	if filter.ExcludeRetried {
		conds = append(conds, "retried_at IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns messages matching the filter, newest failures first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY failed_at DESC", pgColumns, s.tableName, where)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Count returns the number of messages matching the filter.
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf("SELECT count(*) FROM %s%s", s.tableName, where)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// MarkRetried records a replay.
func (s *PostgresStore) MarkRetried(ctx context.Context, id string) error {
	query := fmt.Sprintf("UPDATE %s SET retried_at = now() WHERE id = $1", s.tableName)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// DeleteOlderThan removes messages that failed more than age ago.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE failed_at < now() - $1::interval", s.tableName)
	res, err := s.db.ExecContext(ctx, query, age.String())
	if err != nil {
		return 0, fmt.Errorf("delete old dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
