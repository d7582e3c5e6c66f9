package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one forward-only SQL file. Version is the file name without
// its .sql extension, e.g. "001_init".
type Migration struct {
	Version string
	SQL     string
}

// LoadMigrations reads every .sql file in dir, ordered by name.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(name, ".sql"), SQL: string(data)})
	}
	slog.Debug(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// AppliedMigrations returns the applied versions and when each ran.
func AppliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("%s - failed to create schema_migrations: %w", migrationsLogPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", migrationsLogPrefix, err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("%s - scan migration row: %w", migrationsLogPrefix, err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// RunMigrations applies the migrations not yet recorded in
// schema_migrations, each in its own transaction, and returns how many ran.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		slog.Info(fmt.Sprintf("%s - Applying %s", migrationsLogPrefix, m.Version))
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Version, err)
		}
		ran++
	}

	slog.Info(fmt.Sprintf("%s - %d of %d migrations applied in this run", migrationsLogPrefix, ran, len(migrations)))
	return ran, nil
}

// MigrationStatus writes one line per migration file in migrationPath,
// marking it applied or pending.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string, w io.Writer) error {
	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return err
	}
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	writeStatus(w, migrations, applied)
	return nil
}

func writeStatus(w io.Writer, migrations []Migration, applied map[string]time.Time) {
	pending := 0
	for _, m := range migrations {
		if at, ok := applied[m.Version]; ok {
			fmt.Fprintf(w, "  applied  %s  (%s)\n", m.Version, at.UTC().Format(time.RFC3339))
			continue
		}
		pending++
		fmt.Fprintf(w, "  pending  %s\n", m.Version)
	}
	if pending > 0 {
		fmt.Fprintf(w, "%d pending migration(s); run 'chatserver migrate up'.\n", pending)
	} else {
		fmt.Fprintf(w, "Schema is up to date (%d migrations).\n", len(migrations))
	}
}

// MigrationDown reports the latest applied version. Migrations are
// forward-only, so nothing is rolled back.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, w io.Writer) error {
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	latest := ""
	for version := range applied {
		if version > latest {
			latest = version
		}
	}
	if latest == "" {
		fmt.Fprintln(w, "Migration down: nothing applied.")
		return nil
	}
	fmt.Fprintf(w, "Migration down: not supported (migrations are forward-only). Latest applied is %s; restore a backup to roll back.\n", latest)
	return nil
}
