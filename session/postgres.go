// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// # Postgres Adapter

// Opinionated pool settings for a client-engine workload.
const (
	pgMaxConns          = 5
	pgMinConns          = 1
	pgMaxConnLifetime   = 60 * time.Minute
	pgMaxConnIdleTime   = 10 * time.Minute
	pgHealthCheckPeriod = 1 * time.Minute
	pgConnectTimeout    = 5 * time.Second
	pgPingTimeout       = 2 * time.Second
)

// postgresSlots persists slots in the keyfort_sessions table, keyed by
// (origin, slot). Payloads are raw bytes so that sealed records store
// unchanged.
type postgresSlots struct {
	pool   *pgxpool.Pool
	origin string
}

// NewPostgresStore creates a durable session store shared by every context
// of the same origin. Run [Migrate] once before first use.
func NewPostgresStore(pool *pgxpool.Pool, origin string, opts ...Option) Store {
	return newSessionStore(&postgresSlots{pool: pool, origin: origin}, opts)
}

func (slots *postgresSlots) get(ctx context.Context, slot string) ([]byte, error) {
	var payload []byte
	err := slots.pool.QueryRow(ctx,
		`SELECT payload FROM keyfort_sessions WHERE origin = $1 AND slot = $2`,
		slots.origin, slot,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres_slot_get_failed: %w", err)
	}
	return payload, nil
}

func (slots *postgresSlots) put(ctx context.Context, slot string, data []byte) error {
	_, err := slots.pool.Exec(ctx,
		`INSERT INTO keyfort_sessions (origin, slot, payload, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (origin, slot)
		 DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		slots.origin, slot, data,
	)
	if err != nil {
		return fmt.Errorf("postgres_slot_put_failed: %w", err)
	}
	return nil
}

func (slots *postgresSlots) del(ctx context.Context, slot string) error {
	_, err := slots.pool.Exec(ctx,
		`DELETE FROM keyfort_sessions WHERE origin = $1 AND slot = $2`,
		slots.origin, slot,
	)
	if err != nil {
		return fmt.Errorf("postgres_slot_del_failed: %w", err)
	}
	return nil
}

// # Pool Construction

// NewPool creates and validates a new PostgreSQL connection pool.
//
// # Parameters
//   - ctx: Context for the initial connection attempt.
//   - dsn: A libpq-compatible connection string or postgres:// URL.
//   - logger: Structured logger for pool-level events.
func NewPool(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}

	// Apply pool tuning parameters.
	poolConfig.MaxConns = pgMaxConns
	poolConfig.MinConns = pgMinConns
	poolConfig.MaxConnLifetime = pgMaxConnLifetime
	poolConfig.MaxConnIdleTime = pgMaxConnIdleTime
	poolConfig.HealthCheckPeriod = pgHealthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = pgConnectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	// Validate that we can actually reach the database.
	if err := PingPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	stats := pool.Stat()
	logger.Info("postgres pool connected",
		slog.Int("max_conns", int(stats.MaxConns())),
		slog.Int("total_conns", int(stats.TotalConns())),
	)

	return pool, nil
}

// PingPostgres verifies that the PostgreSQL connection pool is healthy.
func PingPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}

	return nil
}
