// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txselect picks the inputs that fund a payment.
package txselect

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
)

// FeeFunc returns the fee of a transaction spending inputs, with or without
// a change output.
type FeeFunc func(inputs []chain.Utxo, withChange bool) (btcutil.Amount,
	error)

// Params are the inputs of a selection.
type Params struct {
	// Target is the amount paid to the destination, fee excluded.
	Target btcutil.Amount

	// MinConf is the number of confirmations an output needs before it is
	// considered.
	MinConf int64

	// DustLimit excludes outputs worth less than it, as spending them
	// costs more than they add.
	DustLimit btcutil.Amount

	// IsLocked reports whether an output is held by an in-flight
	// transaction. Locked outputs are never selected.
	IsLocked func(key string) bool

	// Fee computes the fee for a candidate input set.
	Fee FeeFunc
}

// Selection is the result of a successful selection.
type Selection struct {
	// Inputs are the chosen outputs, largest first.
	Inputs []chain.Utxo

	// Total is the sum of the input values.
	Total btcutil.Amount

	// Fee is the fee of the transaction with a change output.
	Fee btcutil.Amount

	// FeeNoChange is the fee of the transaction without a change output.
	FeeNoChange btcutil.Amount
}

// ErrNoFeeFunc is returned when Params.Fee is missing.
var ErrNoFeeFunc = errors.New("fee function required")

// InsufficientFundsError is returned when the eligible outputs cannot
// cover the target plus the fee.
type InsufficientFundsError struct {
	// Target is the requested payment amount.
	Target btcutil.Amount

	// Fee is the fee the transaction would have needed.
	Fee btcutil.Amount

	// Available is the total value of eligible outputs.
	Available btcutil.Amount

	// Locked is the value held by in-flight transactions. It may become
	// available again if those transactions fail.
	Locked btcutil.Amount

	// Shortfall is how much more value is needed.
	Shortfall btcutil.Amount
}

// Error returns a human readable description of the shortfall.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: amount %v, fee %v, "+
		"available %v, locked %v, shortfall %v", e.Target, e.Fee,
		e.Available, e.Locked, e.Shortfall)
}

// Select chooses outputs largest first until they cover the target and the
// fee. The fee depends on the input count, so it is recomputed after every
// added input until the selection is stable.
//
// An input set is enough when it can pay the target and the fee of a
// transaction with change, or failing that the fee of one without change.
// Whether change is actually created is up to the builder.
func Select(utxos []chain.Utxo, p Params) (*Selection, error) {
	if p.Fee == nil {
		return nil, ErrNoFeeFunc
	}

	if p.Target <= 0 {
		return nil, fmt.Errorf("invalid target amount %v", p.Target)
	}

	var (
		candidates = make([]chain.Utxo, 0, len(utxos))
		available  btcutil.Amount
		locked     btcutil.Amount
	)
	for _, u := range utxos {
		switch {
		case u.Confirmations < p.MinConf:
			continue

		case u.Value <= 0 || u.Value < p.DustLimit:
			continue

		case p.IsLocked != nil && p.IsLocked(u.Key()):
			locked += u.Value
			continue
		}

		candidates = append(candidates, u)
		available += u.Value
	}

	sortLargestFirst(candidates)

	var (
		total    btcutil.Amount
		selected []chain.Utxo
	)
	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Value

		fee, err := p.Fee(selected, true)
		if err != nil {
			return nil, err
		}

		feeNoChange, err := p.Fee(selected, false)
		if err != nil {
			return nil, err
		}

		if total >= p.Target+fee || total >= p.Target+feeNoChange {
			return &Selection{
				Inputs:      selected,
				Total:       total,
				Fee:         fee,
				FeeNoChange: feeNoChange,
			}, nil
		}
	}

	// Report the fee of the cheapest transaction that could have spent
	// every eligible output.
	fee, err := p.Fee(candidates, false)
	if err != nil {
		return nil, err
	}

	return nil, &InsufficientFundsError{
		Target:    p.Target,
		Fee:       fee,
		Available: available,
		Locked:    locked,
		Shortfall: p.Target + fee - available,
	}
}

// sortLargestFirst orders outputs by value descending. Ties are broken by
// key so the order does not depend on the order the chain returned them.
func sortLargestFirst(utxos []chain.Utxo) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Value != utxos[j].Value {
			return utxos[i].Value > utxos[j].Value
		}

		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}

		return utxos[i].OutputIndex < utxos[j].OutputIndex
	})
}
