// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/pkg/unit"
	xrpgo "github.com/xyield/xrpl-go/binary-codec"
)

// ErrMultipleInputs is returned when an account payment is given more than
// the single account input.
var ErrMultipleInputs = errors.New("account payments spend exactly one " +
	"account input")

// AccountBuilder builds XRPL Payment transactions. The single input is the
// account pseudo output: its TxID is the account, its index the sequence
// number and its value the spendable balance. The balance left after the
// payment is reported as change and stays on the account.
type AccountBuilder struct {
	params chain.Params

	// ledgerOffset is added to the current ledger to bound the validity
	// of a payment.
	ledgerOffset uint32
}

// A compile-time check to ensure that AccountBuilder satisfies the Builder
// interface.
var _ Builder = (*AccountBuilder)(nil)

// NewAccountBuilder creates a builder whose payments expire ledgerOffset
// ledgers after the one they were built on.
func NewAccountBuilder(params chain.Params,
	ledgerOffset uint32) *AccountBuilder {

	return &AccountBuilder{params: params, ledgerOffset: ledgerOffset}
}

// EstimateSize returns the nominal size of a payment. The ledger charges a
// flat fee per transaction, so a per-KB rate applied to it is that fee.
func (b *AccountBuilder) EstimateSize(inputs []chain.Utxo, _, _ string,
	_ bool) (unit.VByte, error) {

	if len(inputs) > 1 {
		return 0, ErrMultipleInputs
	}

	return chain.XRPLNominalTxSize, nil
}

// DustLimit returns the configured minimum amount.
func (b *AccountBuilder) DustLimit() btcutil.Amount {
	return b.params.MinDust
}

// Build creates the canonical binary encoding of an unsigned Payment. The
// signing key is set by the signer.
func (b *AccountBuilder) Build(req *Request) (*Tx, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if len(req.Inputs) != 1 {
		return nil, ErrMultipleInputs
	}
	account := req.Inputs[0]

	if req.Amount < b.params.MinDust {
		return nil, fmt.Errorf("%w: %v below %v", ErrDustOutput,
			req.Amount, b.params.MinDust)
	}

	remainder := account.Value - req.Amount - req.Fee
	if remainder < 0 {
		return nil, &InsufficientInputsError{
			Total:  account.Value,
			Amount: req.Amount,
			Fee:    req.Fee,
		}
	}

	raw, err := EncodePayment(map[string]any{
		"Account":            account.TxID,
		"TransactionType":    "Payment",
		"Amount":             fmt.Sprintf("%d", req.Amount),
		"Destination":        req.Destination,
		"Fee":                fmt.Sprintf("%d", req.Fee),
		"Sequence":           int(account.OutputIndex),
		"LastLedgerSequence": int(req.Height) + int(b.ledgerOffset),
	})
	if err != nil {
		return nil, err
	}

	var change *Change
	if remainder > 0 {
		change = &Change{Address: account.TxID, Value: remainder}
	}

	return &Tx{
		Raw:    raw,
		Size:   len(raw),
		Weight: unit.NewVByte(chain.XRPLNominalTxSize).ToWU(),
		VSize:  chain.XRPLNominalTxSize,
		Amount: req.Amount,
		Fee:    req.Fee,
		Change: change,
	}, nil
}

// EncodePayment serializes fields with the XRPL binary codec. The result is
// decoded and encoded again so the bytes are canonical regardless of map
// order.
func EncodePayment(fields map[string]any) ([]byte, error) {
	hexStr, err := xrpgo.Encode(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}

	return canonicalize(hexStr)
}

// DecodePayment returns the fields of a serialized transaction.
func DecodePayment(raw []byte) (map[string]any, error) {
	fields, err := xrpgo.Decode(strings.ToUpper(hex.EncodeToString(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}

	return fields, nil
}

// canonicalize round trips an encoded transaction through the codec.
func canonicalize(hexStr string) ([]byte, error) {
	decoded, err := xrpgo.Decode(strings.ToUpper(hexStr))
	if err != nil {
		return nil, fmt.Errorf("decode round trip: %w", err)
	}

	canonicalHex, err := xrpgo.Encode(decoded)
	if err != nil {
		return nil, fmt.Errorf("re-encode: %w", err)
	}

	return hex.DecodeString(canonicalHex)
}
