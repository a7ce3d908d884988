// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations
var migrationFS embed.FS

// migration is one schema step.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations returns the up migrations of backend ordered by version.
func migrations(backend Backend) ([]migration, error) {
	dir := path.Join("migrations", backend.String())

	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migs []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s has no version", name)
		}

		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}

		data, err := fs.ReadFile(migrationFS, path.Join(dir, name))
		if err != nil {
			return nil, err
		}

		migs = append(migs, migration{
			version: version,
			name:    name,
			sql:     string(data),
		})
	}

	sort.Slice(migs, func(i, j int) bool {
		return migs[i].version < migs[j].version
	})

	return migs, nil
}

// migrate applies every migration above the recorded schema version, each
// in its own transaction.
func migrate(ctx context.Context, db *sql.DB, backend Backend) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migs, err := migrations(backend)
	if err != nil {
		return err
	}

	for _, m := range migs {
		if m.version <= current {
			continue
		}

		log.Infof("Applying archive migration %s", m.name)

		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version) VALUES ($1)`,
				m.version,
			)

			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

// withTx runs f in a transaction that is committed if f succeeds.
func withTx(ctx context.Context, db *sql.DB, f func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
