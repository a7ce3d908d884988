// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txsigner signs built transactions and derives their chain ids.
package txsigner

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/multiwallet/chain"
)

// SignRequest is a transaction to sign.
type SignRequest struct {
	// Raw is the unsigned transaction.
	Raw []byte

	// KeyRef names the key that owns the inputs, usually the source
	// address.
	KeyRef string

	// PrevOutputs are the outputs spent by the transaction, in input
	// order.
	PrevOutputs []chain.Utxo
}

// Signer produces signed transactions. Custody is up to the
// implementation; the engine only needs the signed bytes.
type Signer interface {
	Sign(ctx context.Context, req *SignRequest) ([]byte, error)
}

// SigningError is returned when a transaction cannot be signed.
type SigningError struct {
	KeyRef string
	Err    error
}

// Error returns the key and the cause.
func (e *SigningError) Error() string {
	return fmt.Sprintf("unable to sign with key %v: %v", e.KeyRef, e.Err)
}

// Unwrap returns the cause.
func (e *SigningError) Unwrap() error {
	return e.Err
}

var (
	// signingPrefix precedes an XRPL transaction when hashing it for a
	// signature ("STX\0").
	signingPrefix = []byte{0x53, 0x54, 0x58, 0x00}

	// txIDPrefix precedes a signed XRPL transaction when hashing it for
	// its id ("TXN\0").
	txIDPrefix = []byte{0x54, 0x58, 0x4E, 0x00}
)

// sha512Half returns the first 32 bytes of the SHA-512 of prefix and data.
func sha512Half(prefix, data []byte) []byte {
	h := sha512.New()
	h.Write(prefix)
	h.Write(data)

	return h.Sum(nil)[:32]
}

// TxID computes the id a chain of the given family assigns to a signed
// transaction. It matches what the chain reports, so the id is known
// before broadcast.
func TxID(family chain.Family, rawSigned []byte) (string, error) {
	switch family {
	case chain.FamilyUTXO:
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(rawSigned)); err != nil {
			return "", fmt.Errorf("deserialize tx: %w", err)
		}

		return tx.TxHash().String(), nil

	case chain.FamilyAccount:
		id := sha512Half(txIDPrefix, rawSigned)

		return strings.ToUpper(hex.EncodeToString(id)), nil
	}

	return "", fmt.Errorf("unknown chain family %v", family)
}
