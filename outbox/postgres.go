package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultClaimTimeout is how long a processing claim is honored before the
// row is considered abandoned by a crashed worker.
const DefaultClaimTimeout = 5 * time.Minute

// PostgresStore implements Store for PostgreSQL.
//
// Claiming uses an UPDATE over a FOR UPDATE SKIP LOCKED subselect, so any
// number of processor instances can poll the same table without stepping on
// each other. See the package doc for the required schema.
type PostgresStore struct {
	db           *sql.DB
	tableName    string
	claimTimeout time.Duration
}

// NewPostgresStore creates a PostgreSQL outbox store on the outbox_events
// table with the default claim timeout.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:           db,
		tableName:    "outbox_events",
		claimTimeout: DefaultClaimTimeout,
	}
}

// WithTableName sets a custom table name. Returns the store for method chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	if name != "" {
		s.tableName = name
	}
	return s
}

// WithClaimTimeout sets how long a processing claim is honored before the
// row is reclaimable. Returns the store for method chaining.
func (s *PostgresStore) WithClaimTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		s.claimTimeout = d
	}
	return s
}

// Insert adds an event to the outbox within the caller's transaction.
// This is the coupling point with the message write path: the event commits
// iff the message commits.
func (s *PostgresStore) Insert(ctx context.Context, tx *sql.Tx, ev *Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_type, aggregate_id, payload, status, retry_count, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.tableName)

	_, err := tx.ExecContext(ctx, query,
		ev.ID,
		ev.AggregateType,
		ev.AggregateID,
		ev.Payload,
		StatusPending,
		ev.RetryCount,
		ev.CreatedAt,
		ev.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ClaimPending atomically claims up to limit publishable events.
//
// The subselect takes pending rows whose retry delay elapsed plus processing
// rows whose claim is stale; SKIP LOCKED keeps concurrent pollers off each
// other's batch. The claim itself is the status flip to processing.
func (s *PostgresStore) ClaimPending(ctx context.Context, limit int) ([]*Event, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM %s
			WHERE (status = $2 AND next_attempt_at <= now())
			   OR (status = $1 AND claimed_at < now() - $3::interval)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, payload, retry_count, last_error, created_at, claimed_at, next_attempt_at
	`, s.tableName, s.tableName)

	rows, err := s.db.QueryContext(ctx, query,
		StatusProcessing, StatusPending, s.claimTimeout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var lastError sql.NullString
		if err := rows.Scan(
			&ev.ID,
			&ev.AggregateType,
			&ev.AggregateID,
			&ev.Payload,
			&ev.RetryCount,
			&lastError,
			&ev.CreatedAt,
			&ev.ClaimedAt,
			&ev.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.LastError = lastError.String
		ev.Status = StatusProcessing
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkProcessed records a successful publish.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, processed_at = now(), claimed_at = NULL
		WHERE id = $2
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, StatusProcessed, id); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Release returns a claimed event to pending with an incremented retry count
// and a deferred next attempt.
func (s *PostgresStore) Release(ctx context.Context, id string, retryDelay time.Duration, cause error) error {
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, retry_count = retry_count + 1, last_error = $2,
		    claimed_at = NULL, next_attempt_at = now() + $3::interval
		WHERE id = $4
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, StatusPending, lastError, retryDelay.String(), id); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Delete removes an event.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteProcessed removes processed events older than the given age.
func (s *PostgresStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE status = $1 AND processed_at < now() - $2::interval
	`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, StatusProcessed, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("delete processed: %w", err)
	}
	return res.RowsAffected()
}

// Reinsert stores an event as pending in its own statement, used by
// dead-letter replay.
func (s *PostgresStore) Reinsert(ctx context.Context, ev *Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_type, aggregate_id, payload, status, retry_count, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, now())
		ON CONFLICT (id) DO UPDATE
		SET status = $5, retry_count = 0, claimed_at = NULL, next_attempt_at = now()
	`, s.tableName)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.Payload, StatusPending, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("reinsert: %w", err)
	}
	return nil
}

// PendingCount reports the publishable backlog.
func (s *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE status = $1", s.tableName)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
