package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const storeLogPrefix = "db:store"

// StoredDataTable holds key/value text served to the frontend.
const StoredDataTable = "bridge_stored_data"

// ErrNotFound is returned by Load for a missing key.
var ErrNotFound = errors.New("db: stored data not found")

// Store reads and writes bridge_stored_data.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load returns the value stored under key.
func (s *Store) Load(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM bridge_stored_data WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s - %q: %w", storeLogPrefix, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%s - failed to load %q: %w", storeLogPrefix, key, err)
	}
	return value, nil
}

// Save upserts value under key.
func (s *Store) Save(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bridge_stored_data (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("%s - failed to save %q: %w", storeLogPrefix, key, err)
	}
	return nil
}
