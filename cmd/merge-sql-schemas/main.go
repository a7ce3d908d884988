// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command merge-sql-schemas applies the SQLite up migrations of the payment
// archive against an in-memory database and exports the consolidated schema
// with a deterministic order. The output is checked in so schema changes
// show up in review as a plain diff. With --check the file is compared
// instead of written, for use in CI.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	_ "modernc.org/sqlite" // Register the pure-Go SQLite driver.
)

const (
	archiveDir     = "internal/archive"
	migrationDir   = archiveDir + "/migrations/sqlite"
	schemaOutDir   = archiveDir + "/schemas"
	schemaFilename = "generated_sqlite_schema.sql"

	dirPerm        = 0o750
	filePerm       = 0o600
	defaultTimeout = 3 * time.Minute
)

// errStale is returned in check mode when the schema file differs from the
// migrations.
var errStale = errors.New("schema is out of date, run merge-sql-schemas")

var opts = struct {
	Migrations string `long:"migrations" description:"Directory of the SQLite up migrations"`
	Out        string `long:"out" description:"Path of the generated schema"`
	Check      bool   `long:"check" description:"Fail instead of writing when the schema file is out of date"`
}{
	Migrations: migrationDir,
	Out:        filepath.Join(schemaOutDir, schemaFilename),
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	if err := run(opts.Migrations, opts.Out, opts.Check); err != nil {
		log.Fatal(err)
	}
}

// run builds the schema of the migrations in dir and writes it to outPath,
// or only compares it when check is set.
func run(dir, outPath string, check bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	schema, err := buildSchema(ctx, dir)
	if err != nil {
		return err
	}

	if check {
		// #nosec G304 -- The path is given by the operator.
		current, err := os.ReadFile(outPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		if !bytes.Equal(current, []byte(schema)) {
			return fmt.Errorf("%s: %w", outPath, errStale)
		}

		log.Printf("Schema %s is up to date", outPath)

		return nil
	}

	if err := writeSchema(outPath, schema); err != nil {
		return err
	}

	log.Printf("Consolidated schema of %s written to %s", dir, outPath)

	return nil
}

// buildSchema applies the migrations of dir to an empty database and
// returns the resulting schema.
func buildSchema(ctx context.Context, dir string) (string, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", fmt.Errorf("failed to open in-memory db: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Every connection to :memory: is a new database.
	db.SetMaxOpenConns(1)

	upFiles, err := collectMigrationFiles(dir)
	if err != nil {
		return "", err
	}

	if err := applyMigrations(ctx, db, dir, upFiles); err != nil {
		return "", err
	}

	return extractSchema(ctx, db)
}

func collectMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration dir: %w", err)
	}

	var upFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}

	if len(upFiles) == 0 {
		return nil, fmt.Errorf("no up migrations in %s", dir)
	}

	// Migration names start with a zero padded version.
	sort.Strings(upFiles)

	return upFiles, nil
}

func applyMigrations(ctx context.Context, db *sql.DB, dir string,
	files []string) error {

	for _, fname := range files {
		path := filepath.Join(dir, fname)

		// #nosec G304 -- Path is built from the migration directory
		// and filenames discovered via os.ReadDir.
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w",
				fname, err)
		}

		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to exec migration %s: %w",
				fname, err)
		}
	}

	return nil
}

func extractSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT type, name, sql FROM sqlite_master
		WHERE type IN ('table', 'view', 'index') AND sql IS NOT NULL
		ORDER BY
			CASE type
				WHEN 'table' THEN 1
				WHEN 'view' THEN 2
				WHEN 'index' THEN 3
				ELSE 4
			END,
			name`)
	if err != nil {
		return "", fmt.Errorf("failed to query schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var b strings.Builder
	for rows.Next() {
		var typ, name, sqlDef string
		if err := rows.Scan(&typ, &name, &sqlDef); err != nil {
			return "", fmt.Errorf("failed to scan schema row: %w",
				err)
		}

		b.WriteString(sqlDef)
		b.WriteString(";\n")
	}

	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate schema rows: %w", err)
	}

	return b.String(), nil
}

func writeSchema(outPath, schema string) error {
	// Ensure the destination directory exists.
	err := os.MkdirAll(filepath.Dir(outPath), dirPerm)
	if err != nil {
		return fmt.Errorf("failed to create schema dir: %w", err)
	}

	err = os.WriteFile(outPath, []byte(schema), filePerm)
	if err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	return nil
}
