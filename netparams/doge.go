// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DogeMainNet is the network magic of the Dogecoin main network.
	DogeMainNet wire.BitcoinNet = 0xc0c0c0c0

	// DogeTestNet is the network magic of the Dogecoin test network.
	DogeTestNet wire.BitcoinNet = 0xdcb7c1fc

	// DogeRegTest is the network magic of the Dogecoin regression test
	// network.
	DogeRegTest wire.BitcoinNet = 0xdab5bffa
)

// dogeNet derives Dogecoin params from base. Only the fields used to
// encode addresses and keys are changed, Dogecoin has no segwit.
func dogeNet(base chaincfg.Params, name string, net wire.BitcoinNet,
	pkh, sh, wif byte) *chaincfg.Params {

	params := base
	params.Name = name
	params.Net = net
	params.Bech32HRPSegwit = ""
	params.PubKeyHashAddrID = pkh
	params.ScriptHashAddrID = sh
	params.PrivateKeyID = wif
	params.Checkpoints = nil
	params.DNSSeeds = nil

	return &params
}

// dogeParams returns the Dogecoin params on net. Dogecoin Core relays from
// 0.001 DOGE per KB and treats outputs under 0.01 DOGE as dust.
func dogeParams(net *chaincfg.Params, port string) Params {
	return Params{
		Params:           net,
		Chain:            "doge",
		RPCClientPort:    port,
		MinDust:          1_000_000,
		MinRelayFeePerKB: 100_000,
	}
}

// DogeMainNetParams contains parameters specific running against
// dogecoind on the main network.
var DogeMainNetParams = dogeParams(dogeNet(
	chaincfg.MainNetParams, "doge-mainnet", DogeMainNet, 0x1e, 0x16, 0x9e,
), "22555")

// DogeTestNetParams contains parameters specific running against
// dogecoind on the test network.
var DogeTestNetParams = dogeParams(dogeNet(
	chaincfg.TestNet3Params, "doge-testnet", DogeTestNet, 0x71, 0xc4,
	0xf1,
), "44555")

// DogeRegressionNetParams contains parameters specific to the Dogecoin
// regression test network.
var DogeRegressionNetParams = dogeParams(dogeNet(
	chaincfg.RegressionNetParams, "doge-regtest", DogeRegTest, 0x6f,
	0xc4, 0xef,
), "18332")
