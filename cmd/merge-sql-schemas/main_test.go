package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// repoPath returns path relative to the module root.
func repoPath(path string) string {
	return filepath.Join("..", "..", path)
}

// TestGeneratedSchemaUpToDate checks that the checked in schema matches the
// migrations.
func TestGeneratedSchemaUpToDate(t *testing.T) {
	t.Parallel()

	schema, err := buildSchema(
		context.Background(), repoPath(migrationDir),
	)
	require.NoError(t, err)

	want, err := os.ReadFile(
		repoPath(filepath.Join(schemaOutDir, schemaFilename)),
	)
	require.NoError(t, err)
	require.Equal(t, string(want), schema,
		"run merge-sql-schemas to regenerate the schema")
}

// TestRun checks the schema is written to the output path and that check
// mode detects a stale or missing file.
func TestRun(t *testing.T) {
	t.Parallel()

	dir := repoPath(migrationDir)
	out := filepath.Join(t.TempDir(), "nested", "schema.sql")

	// Nothing was generated yet.
	require.ErrorIs(t, run(dir, out, true), errStale)

	require.NoError(t, run(dir, out, false))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "CREATE TABLE payments (")
	require.NoError(t, run(dir, out, true))

	stale := append(data, []byte("-- edited\n")...)
	require.NoError(t, os.WriteFile(out, stale, 0o600))
	require.ErrorIs(t, run(dir, out, true), errStale)

	// A directory without migrations is an error.
	err = run(t.TempDir(), out, false)
	require.ErrorContains(t, err, "no up migrations")
}
