// Copyright (c) 2024-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTxNotFound is returned by Status when the chain knows nothing
	// about the transaction, neither in the mempool nor in a block.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrRateLimited is returned when the backend throttled the request.
	// Callers should back off and retry without treating it as a failure
	// of the transaction.
	ErrRateLimited = errors.New("rate limited by chain backend")

	// ErrUndefined is used when a backend error cannot be mapped to any
	// known rejection reason.
	ErrUndefined = errors.New("undefined chain error")
)

// Rejection reasons a node may report when refusing a transaction.
var (
	// ErrInsufficientFee is returned when the fee is below the relay
	// minimum or below the fee required to replace a mempool conflict.
	ErrInsufficientFee = errors.New("insufficient fee")

	// ErrMissingInputs is returned when an input is unknown or already
	// spent.
	ErrMissingInputs = errors.New("missing inputs")

	// ErrTxAlreadyInMempool is returned when the exact transaction is
	// already in the mempool.
	ErrTxAlreadyInMempool = errors.New("txn already in mempool")

	// ErrTxAlreadyKnown is returned when the transaction is already known
	// to the node.
	ErrTxAlreadyKnown = errors.New("txn already known")

	// ErrTxAlreadyConfirmed is returned when the transaction is already
	// in a block.
	ErrTxAlreadyConfirmed = errors.New("txn already confirmed")

	// ErrMempoolConflict is returned when the transaction spends an
	// output that a mempool transaction already spends and replacement is
	// not allowed.
	ErrMempoolConflict = errors.New("txn mempool conflict")

	// ErrNonStandard is returned for policy violations such as dust
	// outputs or non standard scripts.
	ErrNonStandard = errors.New("non standard transaction")

	// ErrSequenceMismatch is returned by account-model chains when the
	// transaction sequence is not the next one of the account.
	ErrSequenceMismatch = errors.New("sequence mismatch")
)

// RejectErrMap maps the error strings returned by btcd and bitcoind style
// nodes to the rejection reasons above. Keys are matched with matchErrStr.
var RejectErrMap = map[string]error{
	"min relay fee not met":          ErrInsufficientFee,
	"insufficient fee":               ErrInsufficientFee,
	"insufficient priority":          ErrInsufficientFee,
	"mempool min fee not met":        ErrInsufficientFee,
	"rejecting replacement":          ErrInsufficientFee,
	"orphan transaction":             ErrMissingInputs,
	"missing inputs":                 ErrMissingInputs,
	"bad-txns-inputs-missingorspent": ErrMissingInputs,
	"already have transaction":       ErrTxAlreadyKnown,
	"txn-already-known":              ErrTxAlreadyKnown,
	"txn-already-in-mempool":         ErrTxAlreadyInMempool,
	"transaction already exists":     ErrTxAlreadyConfirmed,
	"txn-mempool-conflict":           ErrMempoolConflict,
	"already spent by transaction":   ErrMempoolConflict,
	"dust":                           ErrNonStandard,
	"non-standard":                   ErrNonStandard,
	"scriptpubkey":                   ErrNonStandard,
	"tefPAST_SEQ":                    ErrSequenceMismatch,
	"terPRE_SEQ":                     ErrSequenceMismatch,
	"telINSUF_FEE_P":                 ErrInsufficientFee,
	"tecUNFUNDED_PAYMENT":            ErrMissingInputs,
	"tefMAX_LEDGER":                  ErrMissingInputs,
}

// rateLimitStrs are substrings identifying a throttled request.
var rateLimitStrs = []string{
	"too many requests",
	"rate limit",
	"slowdown",
	"tooBusy",
}

// RejectionError is returned by Adapter.Broadcast when the node refused the
// transaction for a validation reason. Reason is one of the rejection
// sentinels or ErrUndefined.
type RejectionError struct {
	Reason error
	Msg    string
}

// Error returns the node response.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("transaction rejected: %v: %s", e.Reason, e.Msg)
}

// Unwrap returns the rejection reason.
func (e *RejectionError) Unwrap() error {
	return e.Reason
}

// MapRejection maps a raw node error to a *RejectionError. Errors that
// signal throttling are returned as ErrRateLimited so the caller can back
// off.
func MapRejection(rpcErr error) error {
	if rpcErr == nil {
		return nil
	}

	for _, s := range rateLimitStrs {
		if matchErrStr(rpcErr, s) {
			return fmt.Errorf("%w: %v", ErrRateLimited, rpcErr)
		}
	}

	for str, reason := range RejectErrMap {
		if matchErrStr(rpcErr, str) {
			return &RejectionError{Reason: reason, Msg: rpcErr.Error()}
		}
	}

	return &RejectionError{Reason: ErrUndefined, Msg: rpcErr.Error()}
}

// IsAlreadyBroadcast reports whether err means the node already has the
// transaction, which is a success for a rebroadcast.
func IsAlreadyBroadcast(err error) bool {
	return errors.Is(err, ErrTxAlreadyInMempool) ||
		errors.Is(err, ErrTxAlreadyKnown) ||
		errors.Is(err, ErrTxAlreadyConfirmed)
}

// matchErrStr takes an error returned from a node and matches it against
// the specified string. If the expected string pattern is found in the
// error passed, true is returned. Both the error and the pattern are
// normalized by turning dashes and underscores into spaces and lowering the
// case.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}

	normalize := func(str string) string {
		str = strings.ReplaceAll(str, "-", " ")
		str = strings.ReplaceAll(str, "_", " ")

		return strings.ToLower(str)
	}

	return strings.Contains(normalize(err.Error()), normalize(s))
}
