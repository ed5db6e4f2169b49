// Package migrations holds the schema for the PostgreSQL record store.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// Table records which migrations have been applied.
const Table = "vulnsync_migrations"

// lockID is the advisory lock serializing concurrent migrators.
const lockID = 0x76756c6e73796e63

//go:embed *.sql
var fs embed.FS

// Migration is a numbered schema change.
type Migration struct {
	ID   int
	File string
}

// Migrations is the ordered list of schema changes.
var Migrations = []Migration{
	{
		ID:   1,
		File: "01-init.sql",
	},
	{
		ID:   2,
		File: "02-sync-status.sql",
	},
}

// Beginner is implemented by pgx.Conn, pgxpool.Pool, and pgx.Tx.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Apply runs every migration newer than the recorded version, in one
// transaction.
func Apply(ctx context.Context, db Beginner) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1);`, int64(lockID)); err != nil {
			return fmt.Errorf("migrations: lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (id integer PRIMARY KEY, applied timestamptz NOT NULL DEFAULT now());`); err != nil {
			return fmt.Errorf("migrations: create table: %w", err)
		}
		var cur int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+Table+`;`).Scan(&cur); err != nil {
			return fmt.Errorf("migrations: read version: %w", err)
		}
		for _, m := range Migrations {
			if m.ID <= cur {
				continue
			}
			b, err := fs.ReadFile(m.File)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, string(b)); err != nil {
				return fmt.Errorf("migrations: %s: %w", m.File, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO `+Table+` (id) VALUES ($1);`, m.ID); err != nil {
				return fmt.Errorf("migrations: recording %d: %w", m.ID, err)
			}
			slog.InfoContext(ctx, "applied migration", "id", m.ID, "file", m.File)
		}
		return nil
	})
}
