package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// newTestXRPServer serves canned results keyed by JSON-RPC method.
func newTestXRPServer(t *testing.T,
	results map[string]string) *XRPAdapter {

	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req xrplRequest
			err := json.NewDecoder(r.Body).Decode(&req)
			require.NoError(t, err)

			result, ok := results[req.Method]
			if !ok {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			_, _ = w.Write([]byte(`{"result":` + result + `}`))
		},
	))
	t.Cleanup(srv.Close)

	adapter, err := NewXRPAdapter(XRPConfig{
		URL:     srv.URL,
		Reserve: 1_000_000,
	})
	require.NoError(t, err)

	return adapter
}

// TestXRPAdapter checks the account pseudo output, fee levels, broadcast
// results and status mapping.
func TestXRPAdapter(t *testing.T) {
	t.Parallel()

	adapter := newTestXRPServer(t, map[string]string{
		"account_info": `{"status":"success","account_data":{
			"Balance":"25000000","Sequence":7}}`,
		"fee": `{"status":"success","drops":{"minimum_fee":"10",
			"base_fee":"10","median_fee":"5000",
			"open_ledger_fee":"12"}}`,
		"submit": `{"status":"success","engine_result":"tefPAST_SEQ",
			"engine_result_message":"sequence passed"}`,
		"tx": `{"status":"success","validated":true,
			"ledger_index":95}`,
		"ledger": `{"status":"success","ledger_index":100}`,
	})

	ctx := context.Background()

	utxos, err := adapter.ListUtxos(ctx, "rAccount", 1)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, "rAccount:7", utxos[0].Key())
	require.Equal(t, btcutil.Amount(24_000_000), utxos[0].Value)

	stats, err := adapter.FeeStats(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5000), stats.Rates[50])
	require.Equal(t, btcutil.Amount(10), stats.Rates[10])

	_, err = adapter.Broadcast(ctx, []byte{0x12, 0x00})
	require.ErrorIs(t, err, ErrSequenceMismatch)

	status, err := adapter.Status(ctx, "ABCD")
	require.NoError(t, err)
	require.EqualValues(t, 6, status.Confirmations)
	require.EqualValues(t, 95, status.BlockHeight)

	require.Equal(t, FamilyAccount, adapter.Params().Family)
}

// TestXRPAdapterErrors checks not found and throttling responses.
func TestXRPAdapterErrors(t *testing.T) {
	t.Parallel()

	adapter := newTestXRPServer(t, map[string]string{
		"tx": `{"status":"error","error":"txnNotFound",
			"error_message":"Transaction not found."}`,
		"account_info": `{"status":"error","error":"actNotFound"}`,
	})

	ctx := context.Background()

	_, err := adapter.Status(ctx, "ABCD")
	require.ErrorIs(t, err, ErrTxNotFound)

	utxos, err := adapter.ListUtxos(ctx, "rMissing", 1)
	require.NoError(t, err)
	require.Empty(t, utxos)

	// The test server throttles unknown methods.
	_, err = adapter.CurrentHeight(ctx)
	require.ErrorIs(t, err, ErrRateLimited)
}
