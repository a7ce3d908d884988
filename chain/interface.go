// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Family identifies the transaction model of a chain.
type Family uint8

const (
	// FamilyUTXO is a chain where value is held in unspent transaction
	// outputs, such as BTC or DOGE.
	FamilyUTXO Family = iota

	// FamilyAccount is an account-model chain, such as XRP, where a
	// payment debits a balance and is ordered by a sequence number.
	FamilyAccount
)

// String returns a human readable name of the chain family.
func (f Family) String() string {
	switch f {
	case FamilyUTXO:
		return "utxo"
	case FamilyAccount:
		return "account"
	default:
		return "unknown"
	}
}

// Params describes the static properties of a chain that the transaction
// builder and the fee estimator need.
type Params struct {
	// Name is the short name of the chain, e.g. "btc", "doge", "xrp".
	Name string

	// Family is the transaction model of the chain.
	Family Family

	// SegWit reports whether the chain discounts witness data. When set,
	// fees are computed from the virtual size instead of the raw size.
	SegWit bool

	// DustRelayFeePerKB is the relay fee used to derive the dust floor of
	// an output.
	DustRelayFeePerKB btcutil.Amount

	// MinDust is an absolute dust floor in the smallest unit. It is used
	// by chains whose dust rule is a fixed amount (DOGE) or a reserve
	// (XRP).
	MinDust btcutil.Amount
}

// Utxo is a spendable output observed on chain. Account-model chains expose
// a single pseudo output per account whose index is the next sequence
// number and whose value is the spendable balance.
type Utxo struct {
	// TxID is the hex encoded id of the transaction that created the
	// output.
	TxID string

	// OutputIndex is the index of the output within the transaction.
	OutputIndex uint32

	// Value is the output value in the smallest unit of the chain.
	Value btcutil.Amount

	// Address is the address the output pays to.
	Address string

	// PkScript is the output script, empty for account-model chains.
	PkScript []byte

	// Confirmations is the number of blocks that include or build on the
	// block containing the output.
	Confirmations int64
}

// Key returns the unique key of the output used by the lock table.
func (u Utxo) Key() string {
	return OutPointKey(u.TxID, u.OutputIndex)
}

// OutPointKey returns the lock table key of an output.
func OutPointKey(txid string, index uint32) string {
	return fmt.Sprintf("%s:%d", txid, index)
}

// FeeStats is a snapshot of the fee market of a chain. Rates are expressed
// in the smallest unit per 1000 bytes and keyed by percentile, where a
// higher percentile means a faster confirmation.
type FeeStats struct {
	Rates map[int]btcutil.Amount
}

// RateAt returns the rate for the requested percentile. When the exact
// percentile is not present, the closest percentile above it is used, and
// failing that the highest available one.
func (f FeeStats) RateAt(percentile int) (btcutil.Amount, bool) {
	if len(f.Rates) == 0 {
		return 0, false
	}

	if rate, ok := f.Rates[percentile]; ok {
		return rate, true
	}

	var (
		best     = -1
		highest  = -1
		bestRate btcutil.Amount
		highRate btcutil.Amount
	)
	for p, rate := range f.Rates {
		if p >= percentile && (best == -1 || p < best) {
			best, bestRate = p, rate
		}
		if p > highest {
			highest, highRate = p, rate
		}
	}
	if best != -1 {
		return bestRate, true
	}

	return highRate, true
}

// TxStatus is the state of a broadcast transaction as seen by the chain.
type TxStatus struct {
	// Confirmations is zero while the transaction is in the mempool.
	Confirmations int64

	// BlockHeight is the height of the including block, zero while
	// unconfirmed.
	BlockHeight int64

	// InMempool is set when the node knows the transaction but it is not
	// yet mined.
	InMempool bool
}

// Adapter is the per-chain capability the wallet engine consumes. One
// implementation exists per chain family. Implementations must be safe for
// concurrent use.
type Adapter interface {
	// Params returns the static chain parameters.
	Params() Params

	// ListUtxos returns the outputs spendable by address that have at
	// least minConf confirmations.
	ListUtxos(ctx context.Context, address string,
		minConf int64) ([]Utxo, error)

	// FeeStats returns the current fee market statistics.
	FeeStats(ctx context.Context) (*FeeStats, error)

	// Broadcast sends a signed transaction and returns its chain id. A
	// validation failure is returned as a *RejectionError.
	Broadcast(ctx context.Context, rawSigned []byte) (string, error)

	// Status returns the confirmation status of a transaction, or
	// ErrTxNotFound when the chain does not know it.
	Status(ctx context.Context, txid string) (*TxStatus, error)

	// CurrentHeight returns the height of the best block or ledger.
	CurrentHeight(ctx context.Context) (int64, error)
}
