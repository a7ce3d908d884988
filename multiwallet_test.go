package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestOpenDatabase checks the wallet database is created on first use and
// opened on the next start.
func TestOpenDatabase(t *testing.T) {
	t.Parallel()

	cfg := &config{
		DataDir:   filepath.Join(t.TempDir(), "data"),
		DBTimeout: time.Second,
	}

	db, err := openDatabase(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.FileExists(t, filepath.Join(cfg.DataDir, walletDbName))

	db, err = openDatabase(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
