//go:build integration_test

package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register the "pgx" driver.
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	postgresImage   = "postgres:16-alpine"
	startupTimeout  = 2 * time.Minute
	createDBTimeout = time.Minute
	dropDBTimeout   = 30 * time.Second
)

// pgServer is the container shared by every test of the process.
var pgServer struct {
	once sync.Once
	dsn  string
	err  error
}

// postgresDSN starts the shared container on first use and returns its
// admin DSN.
func postgresDSN(t testing.TB) string {
	t.Helper()

	pgServer.once.Do(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), startupTimeout,
		)
		defer cancel()

		container, err := postgres.Run(ctx, postgresImage,
			postgres.WithDatabase("multiwallet"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgServer.err = fmt.Errorf("start postgres: %w", err)
			return
		}

		pgServer.dsn, pgServer.err = container.ConnectionString(
			ctx, "sslmode=disable",
		)
	})
	require.NoError(t, pgServer.err)

	return pgServer.dsn
}

// adminExec runs stmt on the admin database.
func adminExec(ctx context.Context, adminDSN, stmt string) error {
	admin, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = admin.Close() }()

	_, err = admin.ExecContext(ctx, stmt)
	return err
}

// NewPostgresDB creates a database for t in the shared container and drops
// it, forcibly closing leftover sessions, once t ends.
func NewPostgresDB(t testing.TB) *sql.DB {
	t.Helper()

	adminDSN := postgresDSN(t)
	name := dbName(t)

	ctx, cancel := context.WithTimeout(
		context.Background(), createDBTimeout,
	)
	defer cancel()

	err := adminExec(ctx, adminDSN, "CREATE DATABASE "+name)
	require.NoError(t, err, "create database %s", name)

	u, err := url.Parse(adminDSN)
	require.NoError(t, err)
	u.Path = "/" + name

	db, err := sql.Open("pgx", u.String())
	require.NoError(t, err)

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(30 * time.Second)

	t.Cleanup(func() {
		_ = db.Close()

		ctx, cancel := context.WithTimeout(
			context.Background(), dropDBTimeout,
		)
		defer cancel()

		_ = adminExec(ctx, adminDSN, fmt.Sprintf(
			"DROP DATABASE IF EXISTS %s WITH (FORCE)", name,
		))
	})

	return db
}
