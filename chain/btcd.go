// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// confTargets maps fee percentiles to the confirmation targets passed to
// estimatesmartfee. A higher percentile buys a sooner confirmation.
var confTargets = map[int]int64{
	90: 1,
	75: 3,
	50: 6,
	25: 12,
	10: 25,
}

// btcdRPC is the subset of the rpcclient.Client methods used by the
// adapter. It is an interface so tests can substitute a mock.
type btcdRPC interface {
	ListUnspentMinMaxAddresses(minConf, maxConf int,
		addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)

	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)

	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)

	GetRawTransactionVerbose(txHash *chainhash.Hash) (
		*btcjson.TxRawResult, error)

	GetBlockCount() (int64, error)
}

// BtcdConfig holds the parameters of a BtcdAdapter.
type BtcdConfig struct {
	// Name is the short chain name reported in Params.
	Name string

	// Chain is the network the node runs on.
	Chain *chaincfg.Params

	// Conn is the RPC connection config of the node.
	Conn *rpcclient.ConnConfig

	// SegWit enables virtual size based fees.
	SegWit bool

	// DustRelayFeePerKB and MinDust define the dust floor.
	DustRelayFeePerKB btcutil.Amount
	MinDust           btcutil.Amount
}

// validate checks the config is complete.
func (c *BtcdConfig) validate() error {
	if c.Chain == nil {
		return errors.New("missing chain params")
	}

	if c.Conn == nil {
		return errors.New("missing rpc conn config")
	}

	if !c.Conn.DisableTLS && len(c.Conn.Certificates) == 0 {
		return errors.New("must provide certs when TLS is enabled")
	}

	if c.Name == "" {
		c.Name = c.Chain.Name
	}

	return nil
}

// BtcdAdapter is an Adapter for UTXO chains served by a btcd compatible
// JSON-RPC node with wallet RPCs (btcd+btcwallet, bitcoind, dogecoind).
type BtcdAdapter struct {
	cfg    BtcdConfig
	client btcdRPC

	// shutdown is only set when the adapter owns an rpcclient.Client.
	shutdown func()
	once     sync.Once
}

// A compile-time check to ensure that BtcdAdapter satisfies the Adapter
// interface.
var _ Adapter = (*BtcdAdapter)(nil)

// NewBtcdAdapter connects to the node described by cfg using HTTP POST mode.
func NewBtcdAdapter(cfg *BtcdConfig) (*BtcdAdapter, error) {
	if cfg == nil {
		return nil, errors.New("missing btcd config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	connCfg := *cfg.Conn
	connCfg.HTTPPostMode = true

	client, err := rpcclient.New(&connCfg, nil)
	if err != nil {
		return nil, err
	}

	a := newBtcdAdapter(*cfg, client)
	a.shutdown = client.Shutdown

	return a, nil
}

// newBtcdAdapter wraps an existing RPC client.
func newBtcdAdapter(cfg BtcdConfig, client btcdRPC) *BtcdAdapter {
	if cfg.DustRelayFeePerKB == 0 {
		cfg.DustRelayFeePerKB = defaultDustRelayFeePerKB
	}

	return &BtcdAdapter{cfg: cfg, client: client}
}

// defaultDustRelayFeePerKB is the relay fee used by btcd and bitcoind to
// decide whether an output is dust.
const defaultDustRelayFeePerKB btcutil.Amount = 3000

// Stop closes the RPC client if the adapter owns one.
func (b *BtcdAdapter) Stop() {
	b.once.Do(func() {
		if b.shutdown != nil {
			b.shutdown()
		}
	})
}

// Params returns the static chain parameters.
func (b *BtcdAdapter) Params() Params {
	return Params{
		Name:              b.cfg.Name,
		Family:            FamilyUTXO,
		SegWit:            b.cfg.SegWit,
		DustRelayFeePerKB: b.cfg.DustRelayFeePerKB,
		MinDust:           b.cfg.MinDust,
	}
}

// ChainParams returns the network parameters of the node.
func (b *BtcdAdapter) ChainParams() *chaincfg.Params {
	return b.cfg.Chain
}

// ListUtxos returns the outputs of address with at least minConf
// confirmations. Amounts are converted to integers at the RPC boundary.
func (b *BtcdAdapter) ListUtxos(ctx context.Context, address string,
	minConf int64) ([]Utxo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, b.cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("decode address %v: %w", address, err)
	}

	results, err := b.client.ListUnspentMinMaxAddresses(
		int(minConf), 9999999, []btcutil.Address{addr},
	)
	if err != nil {
		return nil, mapCallErr(err)
	}

	utxos := make([]Utxo, 0, len(results))
	for _, r := range results {
		if !r.Spendable {
			log.Tracef("Skipping unspendable output %v:%d", r.TxID,
				r.Vout)

			continue
		}

		value, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("output %v:%d: %w", r.TxID,
				r.Vout, err)
		}

		pkScript, err := hex.DecodeString(r.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("output %v:%d script: %w",
				r.TxID, r.Vout, err)
		}

		utxos = append(utxos, Utxo{
			TxID:          r.TxID,
			OutputIndex:   r.Vout,
			Value:         value,
			Address:       address,
			PkScript:      pkScript,
			Confirmations: r.Confirmations,
		})
	}

	return utxos, nil
}

// FeeStats queries estimatesmartfee for every confirmation target in
// parallel. Targets the node cannot estimate are left out; if none can be
// estimated an error is returned.
func (b *BtcdAdapter) FeeStats(ctx context.Context) (*FeeStats, error) {
	var (
		mtx   sync.Mutex
		stats = &FeeStats{Rates: make(map[int]btcutil.Amount)}
	)

	eg, ctx := errgroup.WithContext(ctx)
	for percentile, target := range confTargets {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			mode := btcjson.EstimateModeConservative
			res, err := b.client.EstimateSmartFee(target, &mode)
			if err != nil {
				return mapCallErr(err)
			}

			if res.FeeRate == nil {
				log.Debugf("No fee estimate for target %d: %v",
					target, res.Errors)

				return nil
			}

			rate, err := btcutil.NewAmount(*res.FeeRate)
			if err != nil {
				return err
			}

			mtx.Lock()
			stats.Rates[percentile] = rate
			mtx.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if len(stats.Rates) == 0 {
		return nil, errors.New("node returned no fee estimates")
	}

	return stats, nil
}

// Broadcast deserializes and sends a signed transaction.
func (b *BtcdAdapter) Broadcast(ctx context.Context,
	rawSigned []byte) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawSigned)); err != nil {
		return "", fmt.Errorf("deserialize tx: %w", err)
	}

	txid, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		// Only a JSON-RPC error carries the node's verdict. Anything
		// else failed in transport and may be retried.
		var rpcErr *btcjson.RPCError
		if !errors.As(err, &rpcErr) {
			return "", mapCallErr(err)
		}

		mapped := MapRejection(err)
		if IsAlreadyBroadcast(mapped) {
			log.Debugf("Tx %v already known to node", tx.TxHash())

			return tx.TxHash().String(), nil
		}

		return "", mapped
	}

	return txid.String(), nil
}

// Status returns the confirmation status of txid.
func (b *BtcdAdapter) Status(ctx context.Context,
	txid string) (*TxStatus, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}

	res, err := b.client.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCNoTxInfo {

			return nil, ErrTxNotFound
		}

		return nil, mapCallErr(err)
	}

	if res.Confirmations == 0 {
		return &TxStatus{InMempool: true}, nil
	}

	height, err := b.client.GetBlockCount()
	if err != nil {
		return nil, mapCallErr(err)
	}

	confs := int64(res.Confirmations)

	return &TxStatus{
		Confirmations: confs,
		BlockHeight:   height - confs + 1,
	}, nil
}

// CurrentHeight returns the best block height.
func (b *BtcdAdapter) CurrentHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	height, err := b.client.GetBlockCount()
	if err != nil {
		return 0, mapCallErr(err)
	}

	return height, nil
}

// mapCallErr marks throttling errors so callers back off.
func mapCallErr(err error) error {
	for _, s := range rateLimitStrs {
		if matchErrStr(err, s) {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	return err
}
