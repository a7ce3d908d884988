// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsigner

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/multiwallet/wallet/txbuilder"
)

const (
	// bitcoinAlphabet and rippleAlphabet are the base58 alphabets of the
	// two chains. Both encode the same digits, so an address converts by
	// substituting characters.
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

	// accountIDVersion is the version byte of an XRPL account address.
	accountIDVersion = 0x00
)

// rippleReplacer converts bitcoin base58 text to the XRPL alphabet.
var rippleReplacer = func() *strings.Replacer {
	pairs := make([]string, 0, 2*len(bitcoinAlphabet))
	for i := range bitcoinAlphabet {
		pairs = append(pairs, bitcoinAlphabet[i:i+1],
			rippleAlphabet[i:i+1])
	}

	return strings.NewReplacer(pairs...)
}()

// XRPAccountID returns the classic address of the account controlled by
// pub.
func XRPAccountID(pub *btcec.PublicKey) string {
	accountID := btcutil.Hash160(pub.SerializeCompressed())

	return rippleReplacer.Replace(
		base58.CheckEncode(accountID, accountIDVersion),
	)
}

// XRPKeyRing signs XRPL payments with secp256k1 keys held in memory.
// Keys are looked up by the account in SignRequest.KeyRef.
type XRPKeyRing struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

// A compile-time check to ensure that XRPKeyRing satisfies the Signer
// interface.
var _ Signer = (*XRPKeyRing)(nil)

// NewXRPKeyRing creates an empty key ring.
func NewXRPKeyRing() *XRPKeyRing {
	return &XRPKeyRing{keys: make(map[string]*btcec.PrivateKey)}
}

// AddKey registers a key and returns its account address.
func (k *XRPKeyRing) AddKey(priv *btcec.PrivateKey) string {
	account := XRPAccountID(priv.PubKey())

	k.mu.Lock()
	k.keys[account] = priv
	k.mu.Unlock()

	return account
}

// ImportHex adds a hex encoded private key and returns its account.
func (k *XRPKeyRing) ImportHex(encoded string) (string, error) {
	b, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", err
	}

	if len(b) != btcec.PrivKeyBytesLen {
		return "", fmt.Errorf("invalid private key length %d", len(b))
	}

	priv, _ := btcec.PrivKeyFromBytes(b)

	return k.AddKey(priv), nil
}

// Sign sets the signing key and signature of a payment.
func (k *XRPKeyRing) Sign(ctx context.Context, req *SignRequest) ([]byte,
	error) {

	signed, err := k.sign(ctx, req)
	if err != nil {
		return nil, &SigningError{KeyRef: req.KeyRef, Err: err}
	}

	return signed, nil
}

func (k *XRPKeyRing) sign(ctx context.Context, req *SignRequest) ([]byte,
	error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.RLock()
	priv, ok := k.keys[req.KeyRef]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrUnknownKey, req.KeyRef)
	}

	fields, err := txbuilder.DecodePayment(req.Raw)
	if err != nil {
		return nil, err
	}

	if account, _ := fields["Account"].(string); account != req.KeyRef {
		return nil, fmt.Errorf("payment from %v cannot be signed by "+
			"%v", fields["Account"], req.KeyRef)
	}

	fields["SigningPubKey"] = strings.ToUpper(
		hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	)
	delete(fields, "TxnSignature")

	unsigned, err := txbuilder.EncodePayment(fields)
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(priv, SigningHash(unsigned))
	fields["TxnSignature"] = strings.ToUpper(
		hex.EncodeToString(sig.Serialize()),
	)

	return txbuilder.EncodePayment(fields)
}

// SigningHash returns the digest an XRPL signature commits to.
func SigningHash(unsigned []byte) []byte {
	return sha512Half(signingPrefix, unsigned)
}
