package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey is the advisory lock held while migrating so replicas
// starting together apply each file once.
const migrationLockKey int64 = 0x5368696e7361 // "Shinsa"

type migrationFile struct {
	name     string
	sql      string
	checksum string
}

// RunMigrations applies every *.sql file in migrationsFS that is not yet
// recorded in schema_migrations, in lexical order. Each file commits
// together with its bookkeeping row. A recorded file whose contents have
// since changed is reported and left alone.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	files, err := readMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: migration unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT`,
	); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn.Conn())
	if err != nil {
		return err
	}

	for _, f := range files {
		sum, done := applied[f.name]
		if done {
			if sum != "" && sum != f.checksum {
				db.logger.Warn("storage: applied migration has changed on disk", "file", f.name)
			}
			continue
		}
		db.logger.Info("storage: applying migration", "file", f.name)
		if err := applyMigration(ctx, conn.Conn(), f); err != nil {
			return err
		}
	}
	return nil
}

// readMigrations loads the top-level *.sql files; fs.Glob returns them
// sorted by name.
func readMigrations(fsys fs.FS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(b)
		files = append(files, migrationFile{name: name, sql: string(b), checksum: hex.EncodeToString(sum[:])})
	}
	return files, nil
}

func appliedMigrations(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := map[string]string{}
	var version, sum string
	if _, err := pgx.ForEachRow(rows, []any{&version, &sum}, func() error {
		applied[version] = sum
		return nil
	}); err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, conn *pgx.Conn, f migrationFile) error {
	err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, f.sql); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, f.name, f.checksum,
		); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: migration %s: %w", f.name, err)
	}
	return nil
}
