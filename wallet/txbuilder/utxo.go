// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/pkg/unit"
)

const (
	// TxVersion is the version of built transactions.
	TxVersion = 2

	// InputSequence signals opt-in replace-by-fee (BIP 125) while keeping
	// lock time disabled.
	InputSequence = wire.MaxTxInSequenceNum - 2

	// witnessHeaderSize is the size of the segwit marker and flag.
	witnessHeaderSize = 2
)

// UtxoBuilder builds transactions for UTXO chains. Inputs may be P2PKH,
// P2WPKH or nested P2WPKH outputs.
type UtxoBuilder struct {
	net    *chaincfg.Params
	params chain.Params
}

// A compile-time check to ensure that UtxoBuilder satisfies the Builder
// interface.
var _ Builder = (*UtxoBuilder)(nil)

// NewUtxoBuilder creates a builder for the network net with the dust and
// witness rules of params.
func NewUtxoBuilder(net *chaincfg.Params, params chain.Params) *UtxoBuilder {
	if params.DustRelayFeePerKB == 0 {
		params.DustRelayFeePerKB = txrules.DefaultRelayFeePerKb
	}

	return &UtxoBuilder{net: net, params: params}
}

// addrScript returns the output script paying to address.
func (b *UtxoBuilder) addrScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, fmt.Errorf("decode address %v: %w", address, err)
	}

	if !addr.IsForNet(b.net) {
		return nil, fmt.Errorf("address %v is not for %v", address,
			b.net.Name)
	}

	return txscript.PayToAddrScript(addr)
}

// inputScript returns the script of the output an input spends.
func (b *UtxoBuilder) inputScript(u chain.Utxo) ([]byte, error) {
	if len(u.PkScript) != 0 {
		return u.PkScript, nil
	}

	return b.addrScript(u.Address)
}

// inputSize returns the worst case size of an input spending pkScript,
// split into the non-witness part and the witness part.
func (b *UtxoBuilder) inputSize(pkScript []byte) (int, int, error) {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return txsizes.RedeemP2PKHInputSize, 0, nil

	case txscript.WitnessV0PubKeyHashTy:
		if !b.params.SegWit {
			break
		}

		return txsizes.RedeemP2WPKHInputSize,
			txsizes.RedeemP2WPKHInputWitnessWeight, nil

	// Script hash outputs are assumed to be nested P2WPKH, the only kind
	// the wallet creates.
	case txscript.ScriptHashTy:
		if !b.params.SegWit {
			break
		}

		return txsizes.RedeemNestedP2WPKHInputSize,
			txsizes.RedeemP2WPKHInputWitnessWeight, nil
	}

	return 0, 0, fmt.Errorf("%w: %x", ErrUnsupportedScript, pkScript)
}

// outputSize returns the serialized size of an output with pkScript.
func outputSize(pkScript []byte) int {
	return 8 + wire.VarIntSerializeSize(uint64(len(pkScript))) +
		len(pkScript)
}

// txSize holds the size estimate of a signed transaction.
type txSize struct {
	base   int
	total  int
	weight unit.WeightUnit
	vsize  unit.VByte
}

// estimate returns the signed size of a transaction spending inputs to
// outputs with the given scripts.
func (b *UtxoBuilder) estimate(inputs []chain.Utxo,
	outputs [][]byte) (*txSize, error) {

	base := 4 + wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(len(outputs))) + 4

	var (
		witness    int
		hasWitness bool
	)
	for _, in := range inputs {
		script, err := b.inputScript(in)
		if err != nil {
			return nil, err
		}

		inBase, inWitness, err := b.inputSize(script)
		if err != nil {
			return nil, err
		}

		base += inBase
		if inWitness > 0 {
			hasWitness = true
			witness += inWitness
		} else {
			// An input without witness still carries an empty
			// witness stack in a segwit transaction.
			witness++
		}
	}

	for _, script := range outputs {
		base += outputSize(script)
	}

	total := base
	if hasWitness {
		total += witnessHeaderSize + witness
	}

	weight := unit.TxWeight(base, total)

	vsize := weight.ToVB()
	if !b.params.SegWit {
		vsize = unit.NewVByte(uint64(total))
	}

	return &txSize{
		base:   base,
		total:  total,
		weight: weight,
		vsize:  vsize,
	}, nil
}

// EstimateSize returns the size the fee is charged on. Legacy chains pay on
// the serialized size, segwit chains on the virtual size.
func (b *UtxoBuilder) EstimateSize(inputs []chain.Utxo, destination,
	changeAddress string, withChange bool) (unit.VByte, error) {

	outputs, err := b.outputScripts(destination, changeAddress, withChange)
	if err != nil {
		return 0, err
	}

	size, err := b.estimate(inputs, outputs)
	if err != nil {
		return 0, err
	}

	return size.vsize, nil
}

// outputScripts returns the destination script followed by the change
// script if withChange is set.
func (b *UtxoBuilder) outputScripts(destination, changeAddress string,
	withChange bool) ([][]byte, error) {

	destScript, err := b.addrScript(destination)
	if err != nil {
		return nil, err
	}

	outputs := [][]byte{destScript}
	if !withChange {
		return outputs, nil
	}

	changeScript, err := b.addrScript(changeAddress)
	if err != nil {
		return nil, err
	}

	return append(outputs, changeScript), nil
}

// DustFloor returns the smallest value an output with pkScript may carry.
func (b *UtxoBuilder) DustFloor(pkScript []byte) btcutil.Amount {
	return dustThreshold(
		len(pkScript), b.params.DustRelayFeePerKB, b.params.MinDust,
	)
}

// DustLimit returns the dust floor of a P2PKH output, the largest of the
// supported script types.
func (b *UtxoBuilder) DustLimit() btcutil.Amount {
	return dustThreshold(
		txsizes.P2PKHPkScriptSize, b.params.DustRelayFeePerKB,
		b.params.MinDust,
	)
}

// dustThreshold returns the smallest amount txrules does not consider dust
// for a script of scriptSize, and at least minDust.
func dustThreshold(scriptSize int, relayFeePerKB,
	minDust btcutil.Amount) btcutil.Amount {

	// The rule charges an output for its own size plus that of a P2PKH
	// input spending it, at three times the relay fee.
	totalSize := int64(outputSize(make([]byte, scriptSize)) + 148)
	threshold := btcutil.Amount(
		(int64(relayFeePerKB)*3*totalSize + 999) / 1000,
	)
	out := wire.NewTxOut(int64(threshold), make([]byte, scriptSize))
	for txrules.IsDustOutput(out, relayFeePerKB) {
		out.Value++
	}
	threshold = btcutil.Amount(out.Value)

	if threshold < minDust {
		return minDust
	}

	return threshold
}

// Build creates an unsigned version 2 transaction with the destination
// output first and the change output, if any, last. Every input signals
// replaceability.
func (b *UtxoBuilder) Build(req *Request) (*Tx, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	destScript, err := b.addrScript(req.Destination)
	if err != nil {
		return nil, err
	}

	if req.Amount < b.DustFloor(destScript) {
		return nil, fmt.Errorf("%w: %v below %v", ErrDustOutput,
			req.Amount, b.DustFloor(destScript))
	}

	changeScript, err := b.addrScript(req.ChangeAddress)
	if err != nil {
		return nil, err
	}

	fee, change, err := splitChange(req, b.DustFloor(changeScript))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(TxVersion)
	for _, in := range req.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("input %v: %w", in.Key(), err)
		}

		txIn := wire.NewTxIn(wire.NewOutPoint(hash, in.OutputIndex),
			nil, nil)
		txIn.Sequence = InputSequence
		tx.AddTxIn(txIn)
	}

	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), destScript))
	outputs := [][]byte{destScript}

	var changeOut *Change
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
		outputs = append(outputs, changeScript)

		changeOut = &Change{
			Address: req.ChangeAddress,
			Value:   change,
		}
	}

	size, err := b.estimate(req.Inputs, outputs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return &Tx{
		Raw:    buf.Bytes(),
		Size:   size.total,
		Weight: size.weight,
		VSize:  size.vsize,
		Amount: req.Amount,
		Fee:    fee,
		Change: changeOut,
	}, nil
}
