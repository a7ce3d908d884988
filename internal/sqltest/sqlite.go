//go:build integration_test

package sqltest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // Register the "sqlite" driver.
)

// NewSQLiteDB opens a fresh SQLite file in the temporary directory of t,
// with the pragmas the archive uses in production.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), dbName(t)+".sqlite")
	dsn := "file:" + path + "?mode=rwc&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx))

	// The directory itself is removed by the testing package.
	t.Cleanup(func() { _ = db.Close() })

	return db
}
