package chain

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// testAddr returns a regtest P2WPKH address.
func testAddr(t *testing.T) string {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr.EncodeAddress()
}

// TestValidateBtcdConfig checks the `validate` method on the BtcdConfig
// behaves as expected.
func TestValidateBtcdConfig(t *testing.T) {
	t.Parallel()

	rt := require.New(t)

	cfg := &BtcdConfig{}
	rt.ErrorContains(cfg.validate(), "chain params")

	cfg = &BtcdConfig{Chain: &chaincfg.RegressionNetParams}
	rt.ErrorContains(cfg.validate(), "conn config")

	cfg = &BtcdConfig{
		Chain: &chaincfg.RegressionNetParams,
		Conn:  &rpcclient.ConnConfig{},
	}
	rt.ErrorContains(cfg.validate(), "certs")

	cfg = &BtcdConfig{
		Chain: &chaincfg.RegressionNetParams,
		Conn:  &rpcclient.ConnConfig{DisableTLS: true},
	}
	rt.NoError(cfg.validate())
	rt.Equal(chaincfg.RegressionNetParams.Name, cfg.Name)

	_, err := NewBtcdAdapter(nil)
	rt.ErrorContains(err, "missing btcd config")
}

func newTestBtcdAdapter() (*BtcdAdapter, *mockBtcdRPC) {
	client := &mockBtcdRPC{}
	adapter := newBtcdAdapter(BtcdConfig{
		Name:   "btc",
		Chain:  &chaincfg.RegressionNetParams,
		SegWit: true,
	}, client)

	return adapter, client
}

// TestBtcdListUtxos checks amounts are converted to integer units and
// unspendable outputs are skipped.
func TestBtcdListUtxos(t *testing.T) {
	t.Parallel()

	adapter, client := newTestBtcdAdapter()

	client.On("ListUnspentMinMaxAddresses", 1, 9999999, mock.Anything).
		Return([]btcjson.ListUnspentResult{
			{
				TxID:          "aa",
				Vout:          1,
				Amount:        0.0005,
				ScriptPubKey:  "0014751e76e8199196d454941c45d1b3a323f1433bd6",
				Confirmations: 3,
				Spendable:     true,
			},
			{
				TxID:      "bb",
				Vout:      0,
				Amount:    1,
				Spendable: false,
			},
		}, nil)

	utxos, err := adapter.ListUtxos(context.Background(), testAddr(t), 1)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, btcutil.Amount(50_000), utxos[0].Value)
	require.Equal(t, "aa:1", utxos[0].Key())
	require.EqualValues(t, 3, utxos[0].Confirmations)
	require.Len(t, utxos[0].PkScript, 22)

	client.AssertExpectations(t)
}

// TestBtcdFeeStats checks every confirmation target is queried and that
// missing estimates are skipped.
func TestBtcdFeeStats(t *testing.T) {
	t.Parallel()

	adapter, client := newTestBtcdAdapter()

	rate := 0.0002
	for _, target := range confTargets {
		res := &btcjson.EstimateSmartFeeResult{Blocks: target}
		if target != 25 {
			res.FeeRate = &rate
		}

		client.On("EstimateSmartFee", target, mock.Anything).
			Return(res, nil).Once()
	}

	stats, err := adapter.FeeStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Rates, len(confTargets)-1)
	require.Equal(t, btcutil.Amount(20_000), stats.Rates[90])

	_, ok := stats.Rates[10]
	require.False(t, ok)

	client.AssertExpectations(t)
}

// TestBtcdBroadcast checks rejection mapping for broadcast.
func TestBtcdBroadcast(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}},
		nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txHash := tx.TxHash()

	testCases := []struct {
		name      string
		rpcErr    error
		expectErr error
		transient bool
	}{
		{
			name: "accepted",
		},
		{
			name: "already known is success",
			rpcErr: &btcjson.RPCError{
				Code:    btcjson.ErrRPCTxAlreadyInChain,
				Message: "transaction already exists",
			},
		},
		{
			name: "fee rejection",
			rpcErr: &btcjson.RPCError{
				Code:    btcjson.ErrRPCMisc,
				Message: "min relay fee not met",
			},
			expectErr: ErrInsufficientFee,
		},
		{
			name:      "transport failure",
			rpcErr:    errors.New("connection refused"),
			transient: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			adapter, client := newTestBtcdAdapter()

			if tc.rpcErr == nil {
				client.On("SendRawTransaction", mock.Anything, false).
					Return(&txHash, nil)
			} else {
				client.On("SendRawTransaction", mock.Anything, false).
					Return(nil, tc.rpcErr)
			}

			txid, err := adapter.Broadcast(
				context.Background(), buf.Bytes(),
			)

			switch {
			case tc.expectErr != nil:
				var rejErr *RejectionError
				require.ErrorAs(t, err, &rejErr)
				require.ErrorIs(t, err, tc.expectErr)

			case tc.transient:
				require.Error(t, err)

				var rejErr *RejectionError
				require.False(t, errors.As(err, &rejErr))

			default:
				require.NoError(t, err)
				require.Equal(t, txHash.String(), txid)
			}
		})
	}
}

// TestBtcdStatus checks not found, mempool and confirmed statuses.
func TestBtcdStatus(t *testing.T) {
	t.Parallel()

	adapter, client := newTestBtcdAdapter()

	missing := chainhash.Hash{1}
	mempool := chainhash.Hash{2}
	mined := chainhash.Hash{3}

	client.On("GetRawTransactionVerbose", &missing).Return(nil,
		&btcjson.RPCError{Code: btcjson.ErrRPCNoTxInfo})
	client.On("GetRawTransactionVerbose", &mempool).Return(
		&btcjson.TxRawResult{}, nil)
	client.On("GetRawTransactionVerbose", &mined).Return(
		&btcjson.TxRawResult{Confirmations: 3}, nil)
	client.On("GetBlockCount").Return(int64(102), nil)

	ctx := context.Background()

	_, err := adapter.Status(ctx, missing.String())
	require.ErrorIs(t, err, ErrTxNotFound)

	status, err := adapter.Status(ctx, mempool.String())
	require.NoError(t, err)
	require.True(t, status.InMempool)

	status, err = adapter.Status(ctx, mined.String())
	require.NoError(t, err)
	require.EqualValues(t, 3, status.Confirmations)
	require.EqualValues(t, 100, status.BlockHeight)

	height, err := adapter.CurrentHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 102, height)
}
