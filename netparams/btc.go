// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// btcParams returns the Bitcoin params on net with the relay rules of
// Bitcoin Core.
func btcParams(net *chaincfg.Params, port string) Params {
	return Params{
		Params:            net,
		Chain:             "btc",
		RPCClientPort:     port,
		SegWit:            true,
		DustRelayFeePerKB: 3000,
		MinRelayFeePerKB:  1000,
	}
}

// MainNetParams contains parameters specific running against btcd on the
// main network (wire.MainNet).
var MainNetParams = btcParams(&chaincfg.MainNetParams, "8334")

// TestNet3Params contains parameters specific running against btcd on the
// test network (version 3) (wire.TestNet3).
var TestNet3Params = btcParams(&chaincfg.TestNet3Params, "18334")

// TestNet4Params contains parameters specific running against a node on the
// test network (version 4).
var TestNet4Params = btcParams(&testNet4ChainParams, "48334")

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = btcParams(&chaincfg.RegressionNetParams, "18334")

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = btcParams(&chaincfg.SimNetParams, "18556")

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = btcParams(&chaincfg.SigNetParams, "38332")

// Testnet4 is the network magic of testnet4.
const Testnet4 wire.BitcoinNet = 0x283f161c

// testNet4ChainParams shares the address encoding of testnet3 and has its
// own genesis block.
var testNet4ChainParams = func() chaincfg.Params {
	params := chaincfg.TestNet3Params
	params.Name = "testnet4"
	params.Net = Testnet4
	params.DefaultPort = "48333"
	params.DNSSeeds = []chaincfg.DNSSeed{
		{Host: "seed.testnet4.bitcoin.sprovoost.nl", HasFiltering: true},
		{Host: "seed.testnet4.wiz.biz", HasFiltering: true},
	}
	params.GenesisBlock = &testNet4GenesisBlock
	params.GenesisHash = testNet4GenesisHash
	params.Checkpoints = nil

	return params
}()

var testNet4GenesisHash, _ = chainhash.NewHashFromStr(
	"00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043",
)

var testNet4GenesisMerkleRoot, _ = chainhash.NewHashFromStr(
	"7aa0a7ae1e223414cb807e40cd57e667b718e42aaf9306db9102fe28912b7b4e",
)

// testNet4GenesisBlock is the first block of testnet4.
var testNet4GenesisBlock = wire.MsgBlock{
	Header: wire.BlockHeader{
		Version:    1,
		MerkleRoot: *testNet4GenesisMerkleRoot,
		Timestamp:  time.Unix(1714777860, 0),
		Bits:       0x1d00ffff,
		Nonce:      393743547,
	},
	Transactions: []*wire.MsgTx{{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{
				Index: wire.MaxPrevOutIndex,
			},
			SignatureScript: mustDecodeHex(
				"04ffff001d01044c4c30332f4d61792f3230323420" +
					"3030303030303030303030303030303030303030" +
					"3165626435386332343439373062336161396437" +
					"3833626230303130313166626538656138653938" +
					"65303065",
			),
			Sequence: wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{
			Value: 50_0000_0000,
			PkScript: mustDecodeHex(
				"2100000000000000000000000000000000000000" +
					"000000000000000000000000000000ac",
			),
		}},
	}},
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
