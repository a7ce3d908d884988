// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrUnknownTransaction is returned for an id the engine does not
	// know.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrTerminal is returned when an operation needs an in-flight
	// payment but the payment already reached a terminal state.
	ErrTerminal = errors.New("transaction already terminal")

	// ErrNotTerminal is returned when acknowledging a payment that is
	// still in flight.
	ErrNotTerminal = errors.New("transaction not terminal")

	// ErrFeeBumpExceedsChange is returned when a replacement fee can only
	// be paid out of the payment amount.
	ErrFeeBumpExceedsChange = errors.New("fee bump exceeds change")

	// ErrLockContention is returned when every selection attempt lost
	// its inputs to concurrent payments.
	ErrLockContention = errors.New("inputs locked by concurrent payments")

	// ErrEngineStopped is returned once the engine shut down.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrSubscriptionCanceled is returned by Next once the subscription
	// is canceled.
	ErrSubscriptionCanceled = errors.New("subscription canceled")

	// ErrUnknownChain is returned for a payment on a chain the engine is
	// not configured for.
	ErrUnknownChain = errors.New("unknown chain")
)

// TxError ties an error to the payment it happened to.
type TxError struct {
	// ID is the payment id.
	ID string

	Err error
}

// Error prefixes the cause with the payment id.
func (e *TxError) Error() string {
	return fmt.Sprintf("payment %s: %v", e.ID, e.Err)
}

// Unwrap returns the cause.
func (e *TxError) Unwrap() error {
	return e.Err
}

// txErr wraps err with the payment id, leaving nil untouched.
func txErr(id string, err error) error {
	if err == nil {
		return nil
	}

	return &TxError{ID: id, Err: err}
}

// BroadcastRejectedError is returned when the chain refused a transaction
// for a validation reason.
type BroadcastRejectedError struct {
	ChainTxID string
	Attempt   uint32
	Err       error
}

// Error returns the rejected id and the chain response.
func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast of %s (attempt %d) rejected: %v",
		e.ChainTxID, e.Attempt, e.Err)
}

// Unwrap returns the chain response.
func (e *BroadcastRejectedError) Unwrap() error {
	return e.Err
}

// TransientNetworkError is recorded when a broadcast could not be
// confirmed to have reached the chain after every retry. The transaction
// may still be known to the node, so it is monitored anyway.
type TransientNetworkError struct {
	Tries int
	Err   error
}

// Error returns the last transport error.
func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("broadcast unconfirmed after %d %s: %v", e.Tries,
		pickNoun(e.Tries, "try", "tries"), e.Err)
}

// Unwrap returns the last transport error.
func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// StuckExhaustedError is returned when a payment stays unconfirmed after
// every allowed replacement, or past its absolute deadline.
type StuckExhaustedError struct {
	Attempt uint32
	Retries uint32

	// Deadline is set when the absolute deadline was hit.
	Deadline bool

	FirstSubmittedAtBlock int64
	SubmittedAtBlock      int64
	Height                int64

	// Fee is the fee of the last transaction.
	Fee btcutil.Amount

	// LastError is the last chain response, if any.
	LastError string
}

// Error describes why the payment was given up on.
func (e *StuckExhaustedError) Error() string {
	if e.Deadline {
		return fmt.Sprintf("unconfirmed %d blocks after first "+
			"broadcast at height %d (attempt %d, fee %v)",
			e.Height-e.FirstSubmittedAtBlock,
			e.FirstSubmittedAtBlock, e.Attempt, e.Fee)
	}

	return fmt.Sprintf("stuck after %d/%d replacements since height %d "+
		"(fee %v)", e.Attempt, e.Retries, e.SubmittedAtBlock, e.Fee)
}

// ReorgDetectedError is returned when a confirmed transaction left the
// best chain before reaching finality.
type ReorgDetectedError struct {
	ChainTxID        string
	ConfirmedAtBlock int64
	Height           int64
}

// Error returns the transaction and the heights involved.
func (e *ReorgDetectedError) Error() string {
	return fmt.Sprintf("transaction %s confirmed at height %d is no "+
		"longer in the chain at height %d", e.ChainTxID,
		e.ConfirmedAtBlock, e.Height)
}
