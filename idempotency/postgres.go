package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresGuard implements Guard on a keyed table, for deployments that
// would rather not run Redis just for the guard.
//
// Reservation is INSERT ... ON CONFLICT DO NOTHING, which is atomic across
// instances the same way SET NX is. Expired rows are treated as absent on
// Check and reclaimed by Sweep, which callers run on a timer.
//
// Schema:
//
//	CREATE TABLE idempotency_keys (
//	    key        TEXT PRIMARY KEY,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_idempotency_keys_expires ON idempotency_keys (expires_at);
type PostgresGuard struct {
	db    *sql.DB
	ttl   time.Duration
	table string
}

// NewPostgresGuard creates a Postgres-backed guard with the default TTL
// on the idempotency_keys table.
func NewPostgresGuard(db *sql.DB) *PostgresGuard {
	return &PostgresGuard{
		db:    db,
		ttl:   DefaultTTL,
		table: "idempotency_keys",
	}
}

// WithTTL sets the default reservation lifetime. Returns the guard for
// method chaining.
func (g *PostgresGuard) WithTTL(ttl time.Duration) *PostgresGuard {
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// WithTable sets a custom table name. Returns the guard for method chaining.
func (g *PostgresGuard) WithTable(table string) *PostgresGuard {
	if table != "" {
		g.table = table
	}
	return g
}

// Check atomically reserves the key with the default TTL.
func (g *PostgresGuard) Check(ctx context.Context, key string) error {
	return g.CheckWithTTL(ctx, key, g.ttl)
}

// CheckWithTTL atomically reserves the key with a custom TTL.
//
// The upsert takes the row when it is absent or expired; losing the
// conflict means someone holds a live reservation.
func (g *PostgresGuard) CheckWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, expires_at)
		VALUES ($1, now() + $2::interval)
		ON CONFLICT (key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at < now()`, g.table, g.table)

	res, err := g.db.ExecContext(ctx, query, KeyPrefix+key, ttl.String())
	if err != nil {
		return fmt.Errorf("%w: postgres insert: %v", ErrBackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrBackendUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q", ErrDuplicateRequest, key)
	}
	return nil
}

// Remove releases a reservation.
func (g *PostgresGuard) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", g.table)
	if _, err := g.db.ExecContext(ctx, query, KeyPrefix+key); err != nil {
		return fmt.Errorf("%w: postgres delete: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Sweep deletes expired reservations and returns how many were removed.
// Run it on a timer; the table grows without it.
func (g *PostgresGuard) Sweep(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < now()", g.table)
	res, err := g.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}

// Compile-time check
var _ Guard = (*PostgresGuard)(nil)
