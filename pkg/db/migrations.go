package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one forward-only schema step. Name is the file name and the
// key recorded once it has been applied.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrationFiles reads every .sql file in dir in name order. Files whose
// SQL is blank are skipped.
func LoadMigrationFiles(log *slog.Logger, dir string) ([]Migration, error) {
	if log == nil {
		log = slog.Default()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("%s - bad migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%s - migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	sort.Strings(matches)

	out := make([]Migration, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%s - stat %s: %w", migrationsLogPrefix, path, err)
		}
		if info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - read %s: %w", migrationsLogPrefix, path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			log.Warn(fmt.Sprintf("%s - Skipping empty migration %s", migrationsLogPrefix, filepath.Base(path)))
			continue
		}
		out = append(out, Migration{Name: filepath.Base(path), SQL: string(data)})
	}
	log.Info(fmt.Sprintf("%s - Found %d migrations in %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}
