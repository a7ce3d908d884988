// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit defines a unit to express the transaction size. One weight unit
// is 1/4_000_000 of the max block size. The tx weight is calculated using
// `Base tx size * 3 + Total tx size`.
//   - Base tx size is size of the transaction serialized without the witness
//     data.
//   - Total tx size is the transaction size in bytes serialized according
//     #BIP144.
type WeightUnit uint64

// NewWeightUnit creates a new WeightUnit from a uint64.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit(val)
}

// TxWeight returns the weight of a transaction from its base and total
// sizes.
func TxWeight(baseSize, totalSize int) WeightUnit {
	return WeightUnit(
		baseSize*(blockchain.WitnessScaleFactor-1) + totalSize,
	)
}

// ToVB converts a value expressed in weight units to virtual bytes.
func (wu WeightUnit) ToVB() VByte {
	// According to BIP141: Virtual transaction size is defined as
	// Transaction weight / 4 (rounded up to the next integer).
	return VByte(
		(uint64(wu) + blockchain.WitnessScaleFactor - 1) /
			blockchain.WitnessScaleFactor,
	)
}

// String returns the string representation of the weight unit.
func (wu WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(wu))
}

// VByte defines a unit to express the transaction size. One virtual byte is
// 1/4th of a weight unit. For chains without witness discount a virtual byte
// is a plain serialized byte.
type VByte uint64

// NewVByte creates a new VByte from a uint64.
func NewVByte(val uint64) VByte {
	return VByte(val)
}

// ToWU converts a value expressed in virtual bytes to weight units.
func (vb VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(vb) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (vb VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(vb))
}
