package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file, e.g. 002_create_job_logs.sql
type Migration struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	sql     string
}

// MigrationStatus pairs a migration with when it was applied.
// AppliedAt is nil for pending migrations.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// loadMigrations reads the embedded files in version order.
// 000_create_schema_migrations.sql sorts first and creates the bookkeeping table.
func loadMigrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		body, err := migrations.ReadFile(path.Join(migrationsDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		out = append(out, Migration{Version: version, Name: name, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// appliedVersions returns version -> applied_at. A database that has never been
// migrated has no schema_migrations table and yields an empty map.
func appliedVersions(db *sql.DB) (map[string]time.Time, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n); err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	applied := make(map[string]time.Time)
	if n == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Status lists every embedded migration and whether it has been applied
func Status(db *sql.DB) ([]MigrationStatus, error) {
	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(all))
	for i, m := range all {
		out[i] = MigrationStatus{Migration: m}
		if at, ok := applied[m.Version]; ok {
			at := at
			out[i].AppliedAt = &at
		}
	}
	return out, nil
}

// Migrate runs all pending migrations, each in its own transaction.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	if len(applied) == 0 && len(all) > 0 && all[0].Version != "000" {
		return errors.Newf("schema_migrations table missing, but first migration is not 000: %s", all[0].Name)
	}

	count := 0
	for _, m := range all {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if logger != nil {
			logger.Infow("Applying migration", "migration", m.Name, "version", m.Version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		count++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"applied", count,
			"total_migrations", len(all),
		)
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}
