//go:build integration_test

package archive

import (
	"context"
	"testing"

	"github.com/btcsuite/multiwallet/internal/sqltest"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// backends maps the test database engines to their archive backend.
var backends = map[string]Backend{
	BackendPostgres.String(): BackendPostgres,
	BackendSQLite.String():   BackendSQLite,
}

// TestArchiveBackends runs the archive tests on every backend, each in an
// isolated database.
func TestArchiveBackends(t *testing.T) {
	sqltest.Run(t, func(t *testing.T, b sqltest.Backend) {
		backend, ok := backends[b.Name]
		require.True(t, ok)

		clk := clock.NewTestClock(testTime)
		store, err := New(context.Background(), b.Open(t), backend, clk)
		require.NoError(t, err)

		testArchive(t, store, clk)
	})
}
