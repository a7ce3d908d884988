// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsigner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
)

var (
	// ErrUnknownKey is returned when no key is held for an address.
	ErrUnknownKey = errors.New("no key for address")

	// ErrPrevOutputMismatch is returned when the previous outputs of a
	// request do not match the inputs of the transaction.
	ErrPrevOutputMismatch = errors.New("previous outputs do not match " +
		"transaction inputs")
)

// KeyAddresses are the addresses a key can receive on.
type KeyAddresses struct {
	PubKeyHash       string
	WitnessPubKey    string
	NestedWitnessKey string
}

// KeyRing signs UTXO transactions with WIF encoded keys held in memory. It
// spends P2PKH, P2WPKH and nested P2WPKH outputs.
type KeyRing struct {
	net *chaincfg.Params

	mu      sync.RWMutex
	keys    map[string]*btcutil.WIF
	scripts map[string][]byte
}

// A compile-time check to ensure that KeyRing satisfies the Signer and
// txauthor.SecretsSource interfaces.
var (
	_ Signer                 = (*KeyRing)(nil)
	_ txauthor.SecretsSource = (*KeyRing)(nil)
)

// NewKeyRing creates an empty key ring for net.
func NewKeyRing(net *chaincfg.Params) *KeyRing {
	return &KeyRing{
		net:     net,
		keys:    make(map[string]*btcutil.WIF),
		scripts: make(map[string][]byte),
	}
}

// ImportWIF decodes and adds a WIF key.
func (k *KeyRing) ImportWIF(encoded string) (*KeyAddresses, error) {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return nil, err
	}

	return k.AddKey(wif)
}

// AddKey registers every address the key can receive on and returns them.
func (k *KeyRing) AddKey(wif *btcutil.WIF) (*KeyAddresses, error) {
	if !wif.IsForNet(k.net) {
		return nil, fmt.Errorf("key is not for network %v", k.net.Name)
	}

	pkHash := btcutil.Hash160(wif.SerializePubKey())

	p2pkh, err := btcutil.NewAddressPubKeyHash(pkHash, k.net)
	if err != nil {
		return nil, err
	}

	p2wkh, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, k.net)
	if err != nil {
		return nil, err
	}

	witnessProgram, err := txscript.PayToAddrScript(p2wkh)
	if err != nil {
		return nil, err
	}

	np2wkh, err := btcutil.NewAddressScriptHash(witnessProgram, k.net)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, addr := range []btcutil.Address{p2pkh, p2wkh, np2wkh} {
		k.keys[addr.EncodeAddress()] = wif
	}
	k.scripts[np2wkh.EncodeAddress()] = witnessProgram

	return &KeyAddresses{
		PubKeyHash:       p2pkh.EncodeAddress(),
		WitnessPubKey:    p2wkh.EncodeAddress(),
		NestedWitnessKey: np2wkh.EncodeAddress(),
	}, nil
}

// GetKey returns the private key for addr.
func (k *KeyRing) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	k.mu.RLock()
	defer k.mu.RUnlock()

	wif, ok := k.keys[addr.EncodeAddress()]
	if !ok {
		return nil, false, fmt.Errorf("%w %v", ErrUnknownKey,
			addr.EncodeAddress())
	}

	return wif.PrivKey, wif.CompressPubKey, nil
}

// GetScript returns the redeem script for a script hash address.
func (k *KeyRing) GetScript(addr btcutil.Address) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	script, ok := k.scripts[addr.EncodeAddress()]
	if !ok {
		return nil, fmt.Errorf("no redeem script for %v",
			addr.EncodeAddress())
	}

	return script, nil
}

// ChainParams returns the network of the key ring.
func (k *KeyRing) ChainParams() *chaincfg.Params {
	return k.net
}

// Sign adds input scripts for every input and verifies them.
func (k *KeyRing) Sign(ctx context.Context, req *SignRequest) ([]byte,
	error) {

	signed, err := k.sign(ctx, req)
	if err != nil {
		return nil, &SigningError{KeyRef: req.KeyRef, Err: err}
	}

	return signed, nil
}

func (k *KeyRing) sign(ctx context.Context, req *SignRequest) ([]byte,
	error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(req.Raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}

	if len(tx.TxIn) != len(req.PrevOutputs) {
		return nil, ErrPrevOutputMismatch
	}

	prevScripts := make([][]byte, len(tx.TxIn))
	values := make([]btcutil.Amount, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		prev := req.PrevOutputs[i]

		op := txIn.PreviousOutPoint
		if op.Hash.String() != prev.TxID || op.Index != prev.OutputIndex {
			return nil, fmt.Errorf("%w: input %d spends %v",
				ErrPrevOutputMismatch, i, op)
		}

		prevScripts[i] = prev.PkScript
		values[i] = prev.Value
	}

	err := txauthor.AddAllInputScripts(tx, prevScripts, values, k)
	if err != nil {
		return nil, err
	}

	if err := validateMsgTx(tx, prevScripts, values); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// validateMsgTx executes the scripts of every input.
func validateMsgTx(tx *wire.MsgTx, prevScripts [][]byte,
	values []btcutil.Amount) error {

	fetcher, err := txauthor.TXPrevOutFetcher(tx, prevScripts, values)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	for i, prevScript := range prevScripts {
		vm, err := txscript.NewEngine(
			prevScript, tx, i, txscript.StandardVerifyFlags, nil,
			hashCache, int64(values[i]), fetcher,
		)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %w", err)
		}

		if err := vm.Execute(); err != nil {
			return fmt.Errorf("cannot validate transaction: %w", err)
		}
	}

	return nil
}
