//go:build integration_test

// Package sqltest opens isolated SQL databases for the integration tests of
// the payment archive, one per test and backend.
package sqltest

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
)

// Factory opens an empty database owned by the test t. The database is
// removed when t ends.
type Factory func(t testing.TB) *sql.DB

// Backend is a database engine the archive runs on. Name matches the
// archive backend name.
type Backend struct {
	Name string
	Open Factory
}

// Backends lists every engine under test.
var Backends = []Backend{
	{Name: "postgres", Open: NewPostgresDB},
	{Name: "sqlite", Open: NewSQLiteDB},
}

// Run calls fn once per backend, each in a parallel subtest named after the
// backend.
func Run(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()

	for _, b := range Backends {
		t.Run(b.Name, func(t *testing.T) {
			t.Parallel()
			fn(t, b)
		})
	}
}

// dbName derives a short database name from the test name. It is stable
// across runs so cached test results stay valid, and hashed since Postgres
// truncates identifiers at 63 bytes.
func dbName(t testing.TB) string {
	t.Helper()

	h := fnv.New32a()
	_, err := h.Write([]byte(t.Name()))
	require.NoError(t, err)

	return fmt.Sprintf("multiwallet_%08x", h.Sum32())
}
