package main

import (
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/bridge:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"backend", "frontend", "demo", "keys", "migrate up", "migrate status", "DATABASE_URL", "KEYS_DIR"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestRunMigrate_UnknownSubcommand(t *testing.T) {
	if err := runMigrate("sideways"); err == nil {
		t.Errorf("%s - expected error for unknown subcommand", mainTestPrefix)
	}
}

func TestRunMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	err := runMigrate("up")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("%s - expected DATABASE_URL error, got %v", mainTestPrefix, err)
	}
}
