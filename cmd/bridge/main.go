// Package main is the entrypoint for the backend bridge.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/morezero/backend-bridge/internal/config"
	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/internal/server"
	"github.com/morezero/backend-bridge/pkg/db"
	"github.com/morezero/backend-bridge/pkg/keys"
)

const usage = `Usage: bridge [command]
       bridge backend           Bind the call channel and serve the demo methods.
       bridge frontend          Bind the event channel, call the backend, serve HTTP.
       bridge demo              Run frontend and backend in one process and fire the demo calls.
       bridge keys              Regenerate the frontend and backend curve keys in KEYS_DIR.
       bridge migrate up        Run database migrations.
       bridge migrate down      Roll back (not supported; migrations are forward-only).
       bridge migrate status    Show migration status.
       bridge help              Show this message.

Environment: CALL_ADDR (127.0.0.1:5556), EVENT_ADDR (127.0.0.1:5667), KEYS_DIR (certificates),
BRIDGE_CONTRACT_FILE, CONTRACT_CONSTRAINT, DATABASE_URL (empty = in-memory store), RUN_MIGRATIONS,
MIGRATION_PATH, HTTP_PORT (8080), LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case server.ModeBackend, server.ModeFrontend, server.ModeDemo:
		if err := server.Run(cmd); err != nil {
			log.Fatalf("bridge %s: %v", cmd, err)
		}
	case "keys":
		if err := runKeys(); err != nil {
			log.Fatalf("bridge keys: %v", err)
		}
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("bridge migrate: require subcommand (up, down, status)")
		}
		if err := runMigrate(args[1]); err != nil {
			log.Fatalf("bridge migrate %s: %v", args[1], err)
		}
	case "help", "-h", "--help", "":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

func runKeys() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return keys.Generate(logging.New(os.Stdout, cfg.LogLevel), cfg.KeysDir)
}

func runMigrate(sub string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if sub == "down" {
		return db.MigrationDown(os.Stdout)
	}
	if sub != "up" && sub != "status" {
		return fmt.Errorf("unknown subcommand %q (use up, down, status)", sub)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	if sub == "up" {
		if err := db.EnsureDatabase(ctx, logger, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("ensure database: %w", err)
		}
	}
	pool, err := db.NewPool(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if sub == "status" {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
	}
	migrationSQL, err := db.LoadMigrationFiles(logger, cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, logger, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
