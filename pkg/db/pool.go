// Package db provides the Postgres storage behind get_stored_data.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// Pool limits. The backend issues one short query per get_stored_data call.
const (
	poolMaxConns    = 4
	poolMinConns    = 1
	poolIdleTimeout = 5 * time.Minute
)

// NewPool opens a small pool and checks it with a ping.
func NewPool(ctx context.Context, log *slog.Logger, databaseURL string) (*pgxpool.Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = poolMaxConns
	config.MinConns = poolMinConns
	config.MaxConnIdleTime = poolIdleTimeout

	log.Info(fmt.Sprintf("%s - Connecting to %s/%s", logPrefix, config.ConnConfig.Host, config.ConnConfig.Database))
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - database unreachable: %w", logPrefix, err)
	}
	return pool, nil
}
