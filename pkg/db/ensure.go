package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

// adminDatabase is where CREATE DATABASE is issued from.
const adminDatabase = "postgres"

var safeDBName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// EnsureDatabase creates the database named in databaseURL if it is missing.
func EnsureDatabase(ctx context.Context, log *slog.Logger, databaseURL string) error {
	if log == nil {
		log = slog.Default()
	}
	cfg, target, err := adminConfig(databaseURL)
	if err != nil {
		return err
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %s: %w", ensureLogPrefix, adminDatabase, err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, target).Scan(&exists); err != nil {
		return fmt.Errorf("%s - failed to look up database %q: %w", ensureLogPrefix, target, err)
	}
	if exists {
		log.Debug(fmt.Sprintf("%s - Database %q exists", ensureLogPrefix, target))
		return nil
	}

	log.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, target))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{target}.Sanitize()); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE %q failed: %w", ensureLogPrefix, target, err)
	}
	return nil
}

// adminConfig parses databaseURL, repoints it at the admin database, and
// returns the database it named.
func adminConfig(databaseURL string) (*pgx.ConnConfig, string, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	target := cfg.Database
	if target == "" {
		return nil, "", fmt.Errorf("%s - database URL names no database", ensureLogPrefix)
	}
	if !safeDBName.MatchString(target) {
		return nil, "", fmt.Errorf("%s - database name %q must be letters, digits and underscores", ensureLogPrefix, target)
	}
	cfg.Database = adminDatabase
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return cfg, target, nil
}
