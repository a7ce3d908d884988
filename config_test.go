package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/wallet"
	"github.com/btcsuite/multiwallet/wallet/txfees"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// writeKeyFile writes a key file readable by the owner only.
func writeKeyFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.WriteFile(path, []byte("# keys\n"), 0600))

	return path
}

// TestValidateConfig checks the chain sections are resolved and checked.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	keyFile := writeKeyFile(t)

	tests := []struct {
		name   string
		modify func(*config)
		check  func(*testing.T, *config)
		errMsg string
	}{
		{
			name:   "no active chain",
			modify: func(*config) {},
			errMsg: "at least one",
		},
		{
			name: "btc testnet3",
			modify: func(cfg *config) {
				cfg.BTC.Active = true
				cfg.BTC.Network = "testnet3"
				cfg.BTC.DisableTLS = true
				cfg.BTC.KeyFile = keyFile
			},
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, "localhost:18334",
					cfg.BTC.RPCConnect,
				)
				require.Equal(
					t, btcutil.Amount(1000),
					cfg.BTC.MinFeeRate.Amount,
				)
				require.Equal(t, "btc", cfg.BTC.params.Chain)
			},
		},
		{
			name: "doge keeps an explicit min fee rate",
			modify: func(cfg *config) {
				cfg.DOGE.Active = true
				cfg.DOGE.Network = "testnet"
				cfg.DOGE.RPCConnect = "10.0.0.1"
				cfg.DOGE.DisableTLS = true
				cfg.DOGE.KeyFile = keyFile
				cfg.DOGE.MinFeeRate.Amount = 500_000
			},
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, "10.0.0.1:44555",
					cfg.DOGE.RPCConnect,
				)
				require.Equal(
					t, btcutil.Amount(500_000),
					cfg.DOGE.MinFeeRate.Amount,
				)
			},
		},
		{
			name: "unknown network",
			modify: func(cfg *config) {
				cfg.DOGE.Active = true
				cfg.DOGE.Network = "testnet4"
				cfg.DOGE.KeyFile = keyFile
			},
			errMsg: "unknown doge network",
		},
		{
			name: "tls without ca file",
			modify: func(cfg *config) {
				cfg.BTC.Active = true
				cfg.BTC.KeyFile = keyFile
			},
			errMsg: "cafile is required",
		},
		{
			name: "missing key file",
			modify: func(cfg *config) {
				cfg.BTC.Active = true
				cfg.BTC.DisableTLS = true
			},
			errMsg: "keyfile is required",
		},
		{
			name: "invalid policy",
			modify: func(cfg *config) {
				cfg.BTC.Active = true
				cfg.BTC.DisableTLS = true
				cfg.BTC.KeyFile = keyFile
				cfg.BTC.RequestBurst = 0
			},
			errMsg: "rps and burst",
		},
		{
			name: "xrp",
			modify: func(cfg *config) {
				cfg.XRP.Active = true
				cfg.XRP.URL = "http://localhost:5005"
				cfg.XRP.KeyFile = keyFile
			},
			check: func(t *testing.T, cfg *config) {
				require.Equal(
					t, btcutil.Amount(defaultXRPMinFee),
					cfg.XRP.MinFeeRate.Amount,
				)
			},
		},
		{
			name: "xrp without url",
			modify: func(cfg *config) {
				cfg.XRP.Active = true
				cfg.XRP.KeyFile = keyFile
			},
			errMsg: "url is required",
		},
		{
			name: "unknown log compressor",
			modify: func(cfg *config) {
				cfg.LogCompressor = "lz4"
			},
			errMsg: "unknown log compressor",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			test.modify(&cfg)

			err := validateConfig(&cfg)
			if test.errMsg != "" {
				require.ErrorContains(t, err, test.errMsg)
				return
			}

			require.NoError(t, err)
			test.check(t, &cfg)
		})
	}
}

// TestPolicyDefaults checks unset flags take the engine defaults while set
// flags are kept.
func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := newPolicyConfig()
	policy, feePolicy, err := p.policies()
	require.NoError(t, err)

	require.Equal(t, int64(wallet.DefaultBlockOffset), policy.BlockOffset)
	require.Equal(
		t, fn.Some[uint32](wallet.DefaultRetries), policy.Retries,
	)
	require.NotNil(t, policy.FeeIncreaseFactor)
	require.Equal(t, txfees.DefaultPercentile, feePolicy.Percentile)
	require.NotNil(t, feePolicy.SafetyFactor)

	require.NoError(t, p.FeeIncreaseFactor.UnmarshalFlag("2"))
	p.BlockOffset = 4
	policy, _, err = p.policies()
	require.NoError(t, err)
	require.Equal(t, int64(4), policy.BlockOffset)
	require.Equal(t, "2", policy.FeeIncreaseFactor.RatString())

	// An explicit zero disables replacements instead of taking the
	// default.
	require.NoError(t, p.Retries.UnmarshalFlag("0"))
	policy, _, err = p.policies()
	require.NoError(t, err)
	require.Equal(t, fn.Some[uint32](0), policy.Retries)

	p.ExecutionBlockOffset = 2
	_, _, err = p.policies()
	require.ErrorContains(t, err, "must exceed")
}

// TestParseAndSetDebugLevels checks the accepted debug level syntax.
func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"info", true},
		{"off", true},
		{"ENGN=debug,CHIO=trace", true},
		{"verbose", false},
		{"ENGN", false},
		{"ENGN=loud", false},
		{"NOPE=debug", false},
		{"ENGN=debug,", false},
	}

	for _, test := range tests {
		err := parseAndSetDebugLevels(test.level)
		if test.valid {
			require.NoError(t, err, test.level)
		} else {
			require.Error(t, err, test.level)
		}
	}

	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))
}
