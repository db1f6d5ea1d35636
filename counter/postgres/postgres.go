// Package postgres provides a PostgreSQL-backed CounterStore for
// genrouter.
//
// Counters live in a single keyed table; compound operations use
// conditional UPDATEs so quota admission and circuit transitions stay
// atomic across multi-instance deployments, with durability across
// restarts. Expiry is checked on read and refreshed on write — there is
// no background reaper, matching the lazy-reset design of the dated
// quota keys.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/genrouter"
)

// Store is a PostgreSQL-backed CounterStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ genrouter.CounterStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "genrouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed CounterStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "genrouter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "counters" }

// EnsureSchema creates the counters table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ
		);
	`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("genrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, s.table()),
		key,
	).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("genrouter/postgres: get: %w", err)
	}
	return v, true, nil
}

// IncrBy upserts the counter. An expired row is treated as absent: the
// increment starts from zero and the TTL is re-applied.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`
			INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
				value = CASE
					WHEN %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now() THEN $2
					ELSE %[1]s.value + $2
				END,
				expires_at = CASE
					WHEN %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now() THEN $3
					ELSE %[1]s.expires_at
				END
			RETURNING value`, s.table()),
		key, delta, expiresAt(ttl),
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("genrouter/postgres: incrby: %w", err)
	}
	return v, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET value = $1 WHERE key = $2 AND value = $3
			AND (expires_at IS NULL OR expires_at > now())`, s.table()),
		new, key, old,
	)
	if err != nil {
		return false, fmt.Errorf("genrouter/postgres: cas: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if old != 0 {
		return false, nil
	}
	// Missing (or expired) keys compare equal to zero: claim by upsert.
	tag, err = s.pool.Exec(ctx,
		fmt.Sprintf(`
			INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
			WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now()`, s.table()),
		key, new, expiresAt(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("genrouter/postgres: cas insert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`
			INSERT INTO %[1]s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
			WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now()`, s.table()),
		key, value, expiresAt(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("genrouter/postgres: setnx: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`
			INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`, s.table()),
		key, value, expiresAt(ttl),
	)
	if err != nil {
		return fmt.Errorf("genrouter/postgres: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table()), key)
	if err != nil {
		return fmt.Errorf("genrouter/postgres: del: %w", err)
	}
	return nil
}
