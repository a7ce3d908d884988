// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxState is the lifecycle state of a wallet transaction.
type TxState uint8

const (
	// StateCreated is a payment that was accepted but holds no outputs.
	StateCreated TxState = iota

	// StateLocked is a payment whose inputs are selected and locked.
	StateLocked

	// StateSigned is a payment with a signed transaction not yet
	// broadcast.
	StateSigned

	// StateSubmitted is a payment that was broadcast, or may have been.
	StateSubmitted

	// StatePending is a payment the chain reports in its mempool or in a
	// block with too few confirmations.
	StatePending

	// StateConfirmed is a payment with enough confirmations.
	StateConfirmed

	// StateReplacing is a stuck payment being rebuilt with a higher fee.
	StateReplacing

	// StateAbandoned is a payment given up on by the caller.
	StateAbandoned

	// StateFailed is a payment that cannot succeed.
	StateFailed

	// StateReorged is a confirmed payment whose block left the best
	// chain.
	StateReorged
)

// stateStrings maps states to their names.
var stateStrings = map[TxState]string{
	StateCreated:   "CREATED",
	StateLocked:    "LOCKED",
	StateSigned:    "SIGNED",
	StateSubmitted: "SUBMITTED",
	StatePending:   "PENDING",
	StateConfirmed: "CONFIRMED",
	StateReplacing: "REPLACING",
	StateAbandoned: "ABANDONED",
	StateFailed:    "FAILED",
	StateReorged:   "REORGED",
}

// String returns the name of the state.
func (s TxState) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// IsTerminal reports whether no further transition is driven by the
// engine. A confirmed payment is terminal even though it is still watched
// for reorgs.
func (s TxState) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateAbandoned, StateFailed, StateReorged:
		return true
	}

	return false
}

// ChangeOutput is the change of a payment.
type ChangeOutput struct {
	Address string
	Value   btcutil.Amount
}

// TxRecord is the persisted state of one payment.
type TxRecord struct {
	// ID is the caller facing id of the payment. It does not change
	// when the transaction is replaced.
	ID string

	// Chain is the name of the chain the payment is made on.
	Chain string

	SourceAddress      string
	DestinationAddress string
	ChangeAddress      string

	// Amount is the value paid to the destination.
	Amount btcutil.Amount

	// Fee is the fee of the current transaction.
	Fee btcutil.Amount

	// Inputs are the outputs spent, in input order.
	Inputs []chain.Utxo

	// Change is the change of the current transaction, if any.
	Change fn.Option[ChangeOutput]

	// RawUnsigned and RawSigned are the current transaction.
	RawUnsigned []byte
	RawSigned   []byte

	// ChainTxID is the id of the current transaction.
	ChainTxID string

	// TxIDHistory holds every id that was broadcast, oldest first.
	TxIDHistory []string

	// State is the lifecycle state.
	State TxState

	// SubmittedAtBlock is the height the current transaction was
	// broadcast at.
	SubmittedAtBlock int64

	// FirstSubmittedAtBlock is the height the first transaction was
	// broadcast at.
	FirstSubmittedAtBlock int64

	// ConfirmedAtBlock is the height of the block that confirmed the
	// payment.
	ConfirmedAtBlock fn.Option[int64]

	// ClosedAtBlock is the height a broadcast record was failed or
	// abandoned at. Such a record is still watched for a late
	// confirmation for a while.
	ClosedAtBlock int64

	// ConfirmedTxID is the id that confirmed, which may be an earlier
	// attempt than ChainTxID.
	ConfirmedTxID string

	// Attempt counts fee escalations. The first broadcast is attempt 0.
	Attempt uint32

	// LastError is the last error reported by the chain or the engine.
	LastError string

	// AbandonRequested is set by the caller and honored by the engine at
	// its next step.
	AbandonRequested bool

	// LateConfirmation is set when an abandoned payment confirmed anyway.
	LateConfirmation bool

	// Acknowledged is set once the caller has seen the outcome.
	Acknowledged bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InputKeys returns the lock keys of the inputs.
func (r *TxRecord) InputKeys() []string {
	keys := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		keys = append(keys, in.Key())
	}

	return keys
}

// InputTotal returns the value of the inputs.
func (r *TxRecord) InputTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range r.Inputs {
		total += in.Value
	}

	return total
}

// ChangeValue returns the change value, zero when there is no change.
func (r *TxRecord) ChangeValue() btcutil.Amount {
	return fn.MapOptionZ(r.Change, func(c ChangeOutput) btcutil.Amount {
		return c.Value
	})
}

// CheckBalance verifies the inputs pay exactly the amount, the fee and the
// change. Records without a built transaction are not checked.
func (r *TxRecord) CheckBalance() error {
	if len(r.RawUnsigned) == 0 {
		return nil
	}

	total := r.InputTotal()
	if total == r.Amount+r.Fee+r.ChangeValue() {
		return nil
	}

	str := fmt.Sprintf("record %s: inputs %v != amount %v + fee %v + "+
		"change %v", r.ID, total, r.Amount, r.Fee, r.ChangeValue())

	return storeError(ErrUnbalanced, str, nil)
}

// HasBroadcast reports whether any transaction of the record may have
// reached the network.
func (r *TxRecord) HasBroadcast() bool {
	return len(r.TxIDHistory) > 0
}

// Copy returns a deep copy of the record.
func (r *TxRecord) Copy() *TxRecord {
	c := *r
	c.Inputs = append([]chain.Utxo(nil), r.Inputs...)
	c.RawUnsigned = append([]byte(nil), r.RawUnsigned...)
	c.RawSigned = append([]byte(nil), r.RawSigned...)
	c.TxIDHistory = append([]string(nil), r.TxIDHistory...)

	if len(r.RawUnsigned) == 0 {
		c.RawUnsigned = nil
	}
	if len(r.RawSigned) == 0 {
		c.RawSigned = nil
	}

	return &c
}
