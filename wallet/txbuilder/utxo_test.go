package txbuilder

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var netParams = &chaincfg.RegressionNetParams

// testAddrs derives a P2WPKH and a P2PKH address from a fixed key hash
// byte.
func testAddrs(t testing.TB, b byte) (string, string) {
	t.Helper()

	hash := bytes.Repeat([]byte{b}, 20)

	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(hash, netParams)
	require.NoError(t, err)

	pkh, err := btcutil.NewAddressPubKeyHash(hash, netParams)
	require.NoError(t, err)

	return wpkh.EncodeAddress(), pkh.EncodeAddress()
}

// testUtxo creates an output paying value to address.
func testUtxo(t testing.TB, address string, index uint32,
	value btcutil.Amount) chain.Utxo {

	t.Helper()

	addr, err := btcutil.DecodeAddress(address, netParams)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return chain.Utxo{
		TxID:          fmt.Sprintf("%064x", index+1),
		OutputIndex:   index,
		Value:         value,
		Address:       address,
		PkScript:      script,
		Confirmations: 6,
	}
}

func segwitBuilder() *UtxoBuilder {
	return NewUtxoBuilder(netParams, chain.Params{
		Name:              "btc",
		SegWit:            true,
		DustRelayFeePerKB: 3000,
	})
}

// TestUtxoBuild checks the change decision of the builder.
func TestUtxoBuild(t *testing.T) {
	t.Parallel()

	source, _ := testAddrs(t, 1)
	dest, _ := testAddrs(t, 2)
	b := segwitBuilder()

	inputs := []chain.Utxo{
		testUtxo(t, source, 0, 50_000),
		testUtxo(t, source, 1, 30_000),
	}

	testCases := []struct {
		name    string
		amount  btcutil.Amount
		fee     btcutil.Amount
		desired btcutil.Amount
		wantFee btcutil.Amount
		change  btcutil.Amount
		err     bool
	}{
		{
			name:    "change created",
			amount:  60_000,
			fee:     500,
			wantFee: 500,
			change:  19_500,
		},
		{
			name:    "dust surplus folded into fee",
			amount:  79_000,
			fee:     500,
			wantFee: 1000,
		},
		{
			name:    "surplus below desired change folded",
			amount:  60_000,
			fee:     500,
			desired: 20_000,
			wantFee: 20_000,
		},
		{
			name:    "exact amount",
			amount:  79_500,
			fee:     500,
			wantFee: 500,
		},
		{
			name:   "insufficient",
			amount: 79_600,
			fee:    500,
			err:    true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tx, err := b.Build(&Request{
				Inputs:        inputs,
				Source:        source,
				Destination:   dest,
				Amount:        tc.amount,
				Fee:           tc.fee,
				ChangeAddress: source,
				DesiredChange: tc.desired,
			})
			if tc.err {
				var inputsErr *InsufficientInputsError
				require.ErrorAs(t, err, &inputsErr)

				return
			}
			require.NoError(t, err)

			require.Equal(t, tc.wantFee, tx.Fee)
			require.Equal(t, tc.change, tx.ChangeValue())
			require.Equal(
				t, sumInputs(inputs),
				tx.Amount+tx.Fee+tx.ChangeValue(),
			)

			msgTx := wire.NewMsgTx(0)
			err = msgTx.Deserialize(bytes.NewReader(tx.Raw))
			require.NoError(t, err)

			require.EqualValues(t, TxVersion, msgTx.Version)
			require.Len(t, msgTx.TxIn, 2)
			for _, in := range msgTx.TxIn {
				require.EqualValues(t, InputSequence, in.Sequence)
			}

			require.EqualValues(t, tc.amount, msgTx.TxOut[0].Value)
			if tc.change == 0 {
				require.Len(t, msgTx.TxOut, 1)

				return
			}

			require.Len(t, msgTx.TxOut, 2)
			require.EqualValues(t, tc.change, msgTx.TxOut[1].Value)
			require.Equal(t, source, tx.Change.Address)
		})
	}
}

// TestUtxoBuildDeterministic checks that a request always produces the same
// bytes.
func TestUtxoBuildDeterministic(t *testing.T) {
	t.Parallel()

	source, _ := testAddrs(t, 1)
	dest, _ := testAddrs(t, 2)
	b := segwitBuilder()

	req := &Request{
		Inputs: []chain.Utxo{
			testUtxo(t, source, 0, 50_000),
			testUtxo(t, source, 1, 30_000),
		},
		Destination:   dest,
		Amount:        60_000,
		Fee:           500,
		ChangeAddress: source,
	}

	tx1, err := b.Build(req)
	require.NoError(t, err)

	tx2, err := b.Build(req)
	require.NoError(t, err)

	require.Equal(t, tx1.Raw, tx2.Raw)
}

// TestUtxoBuildErrors checks invalid requests are refused.
func TestUtxoBuildErrors(t *testing.T) {
	t.Parallel()

	source, _ := testAddrs(t, 1)
	dest, _ := testAddrs(t, 2)
	b := segwitBuilder()
	inputs := []chain.Utxo{testUtxo(t, source, 0, 50_000)}

	_, err := b.Build(&Request{
		Destination: dest, Amount: 1000, ChangeAddress: source,
	})
	require.ErrorIs(t, err, ErrNoInputs)

	_, err = b.Build(&Request{
		Inputs: inputs, Destination: dest, ChangeAddress: source,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = b.Build(&Request{
		Inputs: inputs, Destination: dest, Amount: 500,
		ChangeAddress: source,
	})
	require.ErrorIs(t, err, ErrDustOutput)

	_, err = b.Build(&Request{
		Inputs: inputs, Destination: "not-an-address", Amount: 10_000,
		ChangeAddress: source,
	})
	require.Error(t, err)

	mainnetAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{3}, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	_, err = b.Build(&Request{
		Inputs: inputs, Destination: mainnetAddr.EncodeAddress(),
		Amount: 10_000, ChangeAddress: source,
	})
	require.Error(t, err)

	bad := inputs[0]
	bad.PkScript = []byte{txscript.OP_RETURN}
	_, err = b.Build(&Request{
		Inputs: []chain.Utxo{bad}, Destination: dest, Amount: 10_000,
		ChangeAddress: source,
	})
	require.ErrorIs(t, err, ErrUnsupportedScript)
}

// TestUtxoEstimateSize checks the size estimates of segwit and legacy
// transactions.
func TestUtxoEstimateSize(t *testing.T) {
	t.Parallel()

	wpkh, pkh := testAddrs(t, 1)
	destWpkh, destPkh := testAddrs(t, 2)

	segwit := segwitBuilder()
	inputs := []chain.Utxo{
		testUtxo(t, wpkh, 0, 50_000),
		testUtxo(t, wpkh, 1, 30_000),
	}

	// 10 bytes of header, 41 per input and 31 per output make a base of
	// 154. Two witnesses of 109 and the marker add 220.
	vsize, err := segwit.EstimateSize(inputs, destWpkh, wpkh, true)
	require.NoError(t, err)
	require.EqualValues(t, 209, vsize)

	tx, err := segwit.Build(&Request{
		Inputs: inputs, Destination: destWpkh, Amount: 60_000,
		Fee: 500, ChangeAddress: wpkh,
	})
	require.NoError(t, err)
	require.Equal(t, 374, tx.Size)
	require.EqualValues(t, 836, tx.Weight)
	require.Equal(t, vsize, tx.VSize)

	legacy := NewUtxoBuilder(netParams, chain.Params{
		Name:    "doge",
		MinDust: 100_000,
	})
	legacyInputs := []chain.Utxo{
		testUtxo(t, pkh, 0, 5_000_000),
		testUtxo(t, pkh, 1, 3_000_000),
	}

	// 10 bytes of header, 149 per input and 34 per output.
	size, err := legacy.EstimateSize(legacyInputs, destPkh, pkh, true)
	require.NoError(t, err)
	require.EqualValues(t, 376, size)

	size, err = legacy.EstimateSize(legacyInputs, destPkh, pkh, false)
	require.NoError(t, err)
	require.EqualValues(t, 342, size)

	// Witness outputs cannot be spent on a legacy chain.
	_, err = legacy.EstimateSize(inputs, destPkh, pkh, false)
	require.ErrorIs(t, err, ErrUnsupportedScript)
}

// TestDustFloor checks the dust floor follows the relay rule and the
// configured minimum.
func TestDustFloor(t *testing.T) {
	t.Parallel()

	// A P2WPKH output costs 31 bytes and its spend 148, at three times
	// 3000 per KB.
	require.EqualValues(t, 1611, dustThreshold(22, 3000, 0))
	require.EqualValues(t, 1638, dustThreshold(25, 3000, 0))
	require.EqualValues(t, 100_000, dustThreshold(25, 3000, 100_000))

	b := segwitBuilder()
	require.EqualValues(t, 1638, b.DustLimit())
}

// TestUtxoBuildBalance checks over random requests that a built
// transaction always balances and never carries dust change.
func TestUtxoBuildBalance(t *testing.T) {
	t.Parallel()

	source, _ := testAddrs(t, 1)
	dest, _ := testAddrs(t, 2)
	b := segwitBuilder()
	floor := dustThreshold(22, 3000, 0)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "numInputs")

		inputs := make([]chain.Utxo, 0, n)
		for i := 0; i < n; i++ {
			value := rapid.Int64Range(1000, 1e8).Draw(rt, "value")
			inputs = append(inputs, testUtxo(
				t, source, uint32(i), btcutil.Amount(value),
			))
		}

		amount := rapid.Int64Range(int64(floor), 8e8).Draw(rt, "amount")
		fee := rapid.Int64Range(0, 1e6).Draw(rt, "fee")
		desired := rapid.Int64Range(0, 1e5).Draw(rt, "desired")

		req := &Request{
			Inputs:        inputs,
			Destination:   dest,
			Amount:        btcutil.Amount(amount),
			Fee:           btcutil.Amount(fee),
			ChangeAddress: source,
			DesiredChange: btcutil.Amount(desired),
		}

		tx, err := b.Build(req)
		if err != nil {
			var inputsErr *InsufficientInputsError
			require.ErrorAs(rt, err, &inputsErr)
			require.Less(rt, sumInputs(inputs), req.Amount+req.Fee)

			return
		}

		require.Equal(
			rt, sumInputs(inputs), tx.Amount+tx.Fee+tx.ChangeValue(),
		)
		require.GreaterOrEqual(rt, tx.Fee, req.Fee)

		if tx.Change != nil {
			require.GreaterOrEqual(rt, tx.Change.Value, floor)
			require.GreaterOrEqual(
				rt, tx.Change.Value, req.DesiredChange,
			)
			require.Equal(rt, req.Fee, tx.Fee)
		}
	})
}
