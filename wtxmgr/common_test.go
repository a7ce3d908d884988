package wtxmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const dbTimeout = time.Second

var testTime = time.Unix(1700000000, 0)

// openDB opens, creating it when needed, the bolt database at path and
// closes it when the test ends.
func openDB(t *testing.T, path string) walletdb.DB {
	t.Helper()

	db, err := walletdb.Create("bdb", path, true, dbTimeout, false)
	if err == walletdb.ErrDbExists {
		db, err = walletdb.Open("bdb", path, true, dbTimeout, false)
	}
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testStore returns a store backed by a fresh database.
func testStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wtxmgr.db")
	store, err := Open(openDB(t, path), clock.NewTestClock(testTime))
	require.NoError(t, err)

	return store, path
}

func testUtxo(txid string, index uint32, value btcutil.Amount) chain.Utxo {
	return chain.Utxo{
		TxID:          txid,
		OutputIndex:   index,
		Value:         value,
		Address:       "bcrt1qsource",
		PkScript:      []byte{0x00, 0x14, 0x01, 0x02},
		Confirmations: 6,
	}
}

// testRecord returns a balanced LOCKED record spending inputs.
func testRecord(id string, inputs ...chain.Utxo) *TxRecord {
	var total btcutil.Amount
	for _, in := range inputs {
		total += in.Value
	}

	const fee = 500
	amount := total / 2

	return &TxRecord{
		ID:                 id,
		Chain:              "btc",
		SourceAddress:      "bcrt1qsource",
		DestinationAddress: "bcrt1qdest",
		ChangeAddress:      "bcrt1qsource",
		Amount:             amount,
		Fee:                fee,
		Inputs:             inputs,
		Change: fn.Some(ChangeOutput{
			Address: "bcrt1qsource",
			Value:   total - amount - fee,
		}),
		RawUnsigned: []byte{0x02, 0x00, 0x00, 0x00},
		State:       StateLocked,
		CreatedAt:   testTime,
		UpdatedAt:   testTime,
	}
}
