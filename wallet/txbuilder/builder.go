// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder turns a selection into an unsigned chain transaction.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/pkg/unit"
)

var (
	// ErrNoInputs is returned when a request has no inputs.
	ErrNoInputs = errors.New("no inputs")

	// ErrInvalidAmount is returned for a non-positive payment amount or a
	// negative fee.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDustOutput is returned when the payment amount is below the
	// dust floor of the destination.
	ErrDustOutput = errors.New("payment amount is dust")

	// ErrUnsupportedScript is returned for an input whose script the
	// builder cannot size or sign.
	ErrUnsupportedScript = errors.New("unsupported input script")
)

// InsufficientInputsError is returned when the inputs cannot pay the amount
// and the fee.
type InsufficientInputsError struct {
	Total  btcutil.Amount
	Amount btcutil.Amount
	Fee    btcutil.Amount
}

// Error returns the amounts involved.
func (e *InsufficientInputsError) Error() string {
	return fmt.Sprintf("inputs worth %v cannot pay amount %v and fee %v",
		e.Total, e.Amount, e.Fee)
}

// Request describes the transaction to build.
type Request struct {
	// Inputs are spent in the given order.
	Inputs []chain.Utxo

	// Source is the address the inputs belong to.
	Source string

	// Destination receives Amount.
	Destination string

	// Amount is the value paid to Destination.
	Amount btcutil.Amount

	// Fee is the fee of the transaction with a change output.
	Fee btcutil.Amount

	// FeeNoChange is the fee required when no change output is created.
	// Zero means Fee.
	FeeNoChange btcutil.Amount

	// ChangeAddress receives the change.
	ChangeAddress string

	// DesiredChange is the smallest change output worth creating. A
	// smaller surplus is added to the fee.
	DesiredChange btcutil.Amount

	// Height is the current chain height.
	Height int64
}

// Change is the change output of a built transaction.
type Change struct {
	Address string
	Value   btcutil.Amount
}

// Tx is an unsigned transaction.
type Tx struct {
	// Raw is the serialized unsigned transaction.
	Raw []byte

	// Size is the estimated serialized size after signing.
	Size int

	// Weight is the estimated weight after signing.
	Weight unit.WeightUnit

	// VSize is the size fees are charged on.
	VSize unit.VByte

	// Amount is the value paid to the destination.
	Amount btcutil.Amount

	// Fee is the final fee, including any folded surplus.
	Fee btcutil.Amount

	// Change is nil when no change output was created.
	Change *Change
}

// ChangeValue returns the change value, zero when there is no change.
func (t *Tx) ChangeValue() btcutil.Amount {
	if t.Change == nil {
		return 0
	}

	return t.Change.Value
}

// Builder constructs unsigned transactions for one chain.
type Builder interface {
	// Build creates the unsigned transaction described by req. The same
	// request always produces the same bytes.
	Build(req *Request) (*Tx, error)

	// EstimateSize returns the size fees are charged on for a transaction
	// spending inputs to destination, with or without change.
	EstimateSize(inputs []chain.Utxo, destination, changeAddress string,
		withChange bool) (unit.VByte, error)

	// DustLimit returns the smallest input value worth spending.
	DustLimit() btcutil.Amount
}

// sumInputs returns the total value of inputs.
func sumInputs(inputs []chain.Utxo) btcutil.Amount {
	var total btcutil.Amount
	for _, in := range inputs {
		total += in.Value
	}

	return total
}

// validate checks the request fields common to every chain.
func (r *Request) validate() error {
	if len(r.Inputs) == 0 {
		return ErrNoInputs
	}

	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount %v", ErrInvalidAmount, r.Amount)
	}

	if r.Fee < 0 || r.FeeNoChange < 0 {
		return fmt.Errorf("%w: fee %v", ErrInvalidAmount, r.Fee)
	}

	return nil
}

// splitChange decides whether the surplus of a request becomes change. It
// returns the final fee and change value, where a zero change means the
// surplus was folded into the fee.
func splitChange(r *Request, changeFloor btcutil.Amount) (btcutil.Amount,
	btcutil.Amount, error) {

	total := sumInputs(r.Inputs)
	remainder := total - r.Amount - r.Fee

	if changeFloor < r.DesiredChange {
		changeFloor = r.DesiredChange
	}
	if changeFloor < 1 {
		changeFloor = 1
	}

	if remainder >= changeFloor {
		return r.Fee, remainder, nil
	}

	minFee := r.FeeNoChange
	if minFee == 0 {
		minFee = r.Fee
	}

	if total-r.Amount < minFee {
		return 0, 0, &InsufficientInputsError{
			Total:  total,
			Amount: r.Amount,
			Fee:    minFee,
		}
	}

	return total - r.Amount, 0, nil
}
