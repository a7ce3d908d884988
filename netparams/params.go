// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams holds the networks of the UTXO chains the wallet pays
// on, together with the node port and relay rules of each.
package netparams

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// Chain is the short chain name, e.g. "btc".
	Chain string

	// RPCClientPort is the default JSON-RPC port of the node.
	RPCClientPort string

	// SegWit reports whether the chain discounts witness data.
	SegWit bool

	// DustRelayFeePerKB derives the dust floor of an output. Zero means
	// the chain uses MinDust only.
	DustRelayFeePerKB btcutil.Amount

	// MinDust is an absolute dust floor.
	MinDust btcutil.Amount

	// MinRelayFeePerKB is the lowest fee rate nodes relay.
	MinRelayFeePerKB btcutil.Amount
}

// networks indexes every known network by chain and network name.
var networks = map[string]map[string]*Params{
	"btc": {
		"mainnet":  &MainNetParams,
		"testnet3": &TestNet3Params,
		"testnet4": &TestNet4Params,
		"regtest":  &RegressionNetParams,
		"simnet":   &SimNetParams,
		"signet":   &SigNetParams,
	},
	"doge": {
		"mainnet": &DogeMainNetParams,
		"testnet": &DogeTestNetParams,
		"regtest": &DogeRegressionNetParams,
	},
}

// Lookup returns the params of network on chain.
func Lookup(chain, network string) (*Params, error) {
	nets, ok := networks[chain]
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chain)
	}

	params, ok := nets[network]
	if !ok {
		names := make([]string, 0, len(nets))
		for name := range nets {
			names = append(names, name)
		}
		sort.Strings(names)

		return nil, fmt.Errorf("unknown %s network %q, expected one "+
			"of %v", chain, network, names)
	}

	return params, nil
}
