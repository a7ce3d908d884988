package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

// testRecord returns an acknowledged record of chain in state.
func testRecord(id, chainName string, state wtxmgr.TxState,
	txids ...string) *wtxmgr.TxRecord {

	rec := &wtxmgr.TxRecord{
		ID:                 id,
		Chain:              chainName,
		SourceAddress:      "bcrt1qsource",
		DestinationAddress: "bcrt1qdest",
		ChangeAddress:      "bcrt1qsource",
		Amount:             60_000,
		Fee:                1_000,
		Inputs: []chain.Utxo{{
			TxID:        fmt.Sprintf("%064x", 1),
			OutputIndex: 1,
			Value:       80_000,
			Address:     "bcrt1qsource",
		}},
		Change: fn.Some(wtxmgr.ChangeOutput{
			Address: "bcrt1qsource",
			Value:   19_000,
		}),
		TxIDHistory:  txids,
		State:        state,
		Acknowledged: true,
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
	}
	if len(txids) > 0 {
		rec.ChainTxID = txids[len(txids)-1]
		rec.Attempt = uint32(len(txids) - 1)
	}
	if state == wtxmgr.StateConfirmed {
		rec.ConfirmedTxID = txids[0]
		rec.ConfirmedAtBlock = fn.Some[int64](1001)
	}

	return rec
}

// newSQLiteStore returns a store on a fresh SQLite file.
func newSQLiteStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "archive.sqlite")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store, err := New(context.Background(), db, BackendSQLite, clk)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// testArchive exercises a store. It is shared by every backend.
func testArchive(t *testing.T, store *Store, clk *clock.TestClock) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	confirmed := testRecord("a", "btc", wtxmgr.StateConfirmed, "aa", "ab")
	require.NoError(t, store.Archive(ctx, confirmed))

	clk.SetTime(testTime.Add(time.Minute))
	failed := testRecord("b", "btc", wtxmgr.StateFailed, "ba")
	failed.LastError = "stuck"
	require.NoError(t, store.Archive(ctx, failed))

	clk.SetTime(testTime.Add(2 * time.Minute))
	other := testRecord("c", "doge", wtxmgr.StateConfirmed, "ca")
	require.NoError(t, store.Archive(ctx, other))

	entry, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, confirmed.ID, entry.Record.ID)
	require.Equal(t, confirmed.TxIDHistory, entry.Record.TxIDHistory)
	require.Equal(t, confirmed.Inputs, entry.Record.Inputs)
	require.Equal(t, confirmed.ChangeValue(), entry.Record.ChangeValue())
	require.Equal(t, int64(1001),
		entry.Record.ConfirmedAtBlock.UnwrapOr(0))
	require.True(t, entry.Record.Acknowledged)
	require.True(t, testTime.Equal(entry.ArchivedAt))

	// Any broadcast id finds its payment.
	entry, err = store.FindByTxID(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, "a", entry.Record.ID)

	_, err = store.FindByTxID(ctx, "zz")
	require.ErrorIs(t, err, ErrNotFound)

	testCases := []struct {
		name  string
		query Query
		ids   []string
	}{{
		name: "all newest first",
		ids:  []string{"c", "b", "a"},
	}, {
		name:  "chain",
		query: Query{Chain: "btc"},
		ids:   []string{"b", "a"},
	}, {
		name: "state",
		query: Query{
			State: fn.Some(wtxmgr.StateConfirmed),
		},
		ids: []string{"c", "a"},
	}, {
		name: "chain and state",
		query: Query{
			Chain: "btc",
			State: fn.Some(wtxmgr.StateFailed),
		},
		ids: []string{"b"},
	}, {
		name:  "limit",
		query: Query{Limit: 1},
		ids:   []string{"c"},
	}}

	for _, tc := range testCases {
		entries, err := store.List(ctx, tc.query)
		require.NoError(t, err, tc.name)

		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.Record.ID)
		}
		require.Equal(t, tc.ids, ids, tc.name)
	}

	// Archiving again replaces the copy and its ids.
	failed.LateConfirmation = true
	failed.ConfirmedTxID = "bb"
	failed.TxIDHistory = []string{"ba", "bb"}
	require.NoError(t, store.Archive(ctx, failed))

	entry, err = store.FindByTxID(ctx, "bb")
	require.NoError(t, err)
	require.True(t, entry.Record.LateConfirmation)

	amount, fee, err := store.Totals(ctx, "btc")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(120_000), amount)
	require.Equal(t, btcutil.Amount(2_000), fee)
}

// TestArchiveSQLite runs the archive tests on SQLite.
func TestArchiveSQLite(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	testArchive(t, newSQLiteStore(t, clk), clk)
}

// TestMigrateIdempotent checks that reopening a migrated archive applies
// nothing twice.
func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "archive.sqlite")

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Archive(ctx, testRecord(
		"a", "btc", wtxmgr.StateFailed,
	)))
	require.NoError(t, store.Close())

	store, err = Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	var versions int
	err = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_version`,
	).Scan(&versions)
	require.NoError(t, err)

	migs, err := migrations(BackendSQLite)
	require.NoError(t, err)
	require.Equal(t, len(migs), versions)

	_, err = store.Get(ctx, "a")
	require.NoError(t, err)
}

// TestMigrationsMatch checks that every backend ships the same migration
// versions.
func TestMigrationsMatch(t *testing.T) {
	t.Parallel()

	sqlite, err := migrations(BackendSQLite)
	require.NoError(t, err)
	require.NotEmpty(t, sqlite)

	postgres, err := migrations(BackendPostgres)
	require.NoError(t, err)
	require.Len(t, postgres, len(sqlite))

	for i := range sqlite {
		require.Equal(t, sqlite[i].name, postgres[i].name)
		require.Equal(t, i+1, sqlite[i].version)
	}
}

// TestOpenUnsupported checks that unknown DSNs are refused.
func TestOpenUnsupported(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "mysql://localhost/archive")
	require.ErrorContains(t, err, "unsupported")
}
