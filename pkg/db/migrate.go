package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrateLogPrefix = "db:migrate"

// MigrationsTable records the name of every applied migration.
const MigrationsTable = "bridge_schema_migrations"

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS ` + MigrationsTable + ` (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunMigrations applies the migrations not yet recorded, each in its own
// transaction together with its record.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, migrations []Migration) error {
	if log == nil {
		log = slog.Default()
	}
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", migrateLogPrefix, MigrationsTable, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	pending := pendingMigrations(migrations, applied)
	if len(pending) == 0 {
		log.Info(fmt.Sprintf("%s - Schema up to date (%d applied)", migrateLogPrefix, len(applied)))
		return nil
	}
	for _, m := range pending {
		log.Info(fmt.Sprintf("%s - Applying %s", migrateLogPrefix, m.Name))
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+MigrationsTable+` (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", migrateLogPrefix, m.Name, err)
		}
	}
	log.Info(fmt.Sprintf("%s - Applied %d migrations", migrateLogPrefix, len(pending)))
	return nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM `+MigrationsTable)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", migrateLogPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read applied migrations: %w", migrateLogPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

func pendingMigrations(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// MigrationStatus writes one line per migration file, applied or pending.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string, w io.Writer) error {
	migrations, err := LoadMigrationFiles(nil, migrationPath)
	if err != nil {
		return err
	}

	var tracked bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		MigrationsTable).Scan(&tracked)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", migrateLogPrefix, err)
	}
	applied := map[string]bool{}
	if tracked {
		if applied, err = appliedMigrations(ctx, pool); err != nil {
			return err
		}
	}
	writeStatus(w, migrations, applied)
	return nil
}

func writeStatus(w io.Writer, migrations []Migration, applied map[string]bool) {
	pending := len(pendingMigrations(migrations, applied))
	fmt.Fprintf(w, "Migrations: %d applied, %d pending\n", len(migrations)-pending, pending)
	for _, m := range migrations {
		state := "pending"
		if applied[m.Name] {
			state = "applied"
		}
		fmt.Fprintf(w, "  %-8s %s\n", state, m.Name)
	}
}

// MigrationDown is a no-op: migrations are forward-only.
func MigrationDown(w io.Writer) error {
	fmt.Fprintln(w, "Migration down: not supported (migrations are forward-only). Restore from a backup to roll back.")
	return nil
}
