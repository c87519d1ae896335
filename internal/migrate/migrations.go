// Package migrate applies the embedded SQLite schema to a workspace database.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/logging"
)

//go:embed sql/*.sql
var files embed.FS

var fileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Load returns the embedded migrations in version order. Files must be named
// NNN_name.sql and versions must be unique.
func Load() ([]Migration, error) {
	return load(files, "sql")
}

func load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]string, len(entries))
	var res []Migration
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := fileName.FindStringSubmatch(ent.Name())
		if m == nil {
			return nil, fmt.Errorf("migration file %s: want NNN_name.sql", ent.Name())
		}
		v, err := strconv.Atoi(m[1])
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration file %s: bad version", ent.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", v, prev, ent.Name())
		}
		seen[v] = ent.Name()
		body, err := fs.ReadFile(fsys, dir+"/"+ent.Name())
		if err != nil {
			return nil, err
		}
		res = append(res, Migration{Version: v, Name: m[2], SQL: string(body)})
	}
	slices.SortFunc(res, func(a, b Migration) int { return a.Version - b.Version })
	return res, nil
}

const createHistory = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

// Version is the highest applied migration, 0 for a fresh database.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, createHistory); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Apply runs every embedded migration newer than the database, each in its own
// transaction, and returns the ones it applied. A database migrated by a newer
// build is refused.
func Apply(ctx context.Context, db *sql.DB, log *logrus.Entry) ([]Migration, error) {
	if log == nil {
		log = logging.Discard()
	}
	all, err := Load()
	if err != nil {
		return nil, err
	}
	return apply(ctx, db, log, all)
}

func apply(ctx context.Context, db *sql.DB, log *logrus.Entry, all []Migration) ([]Migration, error) {
	current, err := Version(ctx, db)
	if err != nil {
		return nil, err
	}
	if n := len(all); n > 0 && current > all[n-1].Version {
		return nil, fmt.Errorf("database schema version %d is newer than this build (%d)", current, all[n-1].Version)
	}
	var applied []Migration
	for _, m := range all {
		if m.Version <= current {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migration %03d_%s: %w", m.Version, m.Name, err)
		}
		log.WithFields(logrus.Fields{"version": m.Version, "name": m.Name}).Info("applied migration")
		applied = append(applied, m)
	}
	if len(applied) == 0 {
		log.WithField("version", current).Debug("schema up to date")
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// Migrate applies pending migrations without logging.
func Migrate(db *sql.DB) error {
	_, err := Apply(context.Background(), db, nil)
	return err
}
