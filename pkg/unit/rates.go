// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides the size and fee rate types shared by the fee
// estimator and the transaction builder. Every rate is an exact rational
// number; amounts are only ever produced by integer rounding.
package unit

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// BytesPerKilo is the size divisor of a per-KB rate.
	BytesPerKilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string.
	floatStringPrecision = 2
)

// ErrInvalidRatio is returned when a ratio string cannot be parsed or is
// not positive.
var ErrInvalidRatio = errors.New("invalid ratio")

// PerKB is a fee rate in the smallest unit of a chain per 1000 bytes (or
// virtual bytes on witness chains). It is encoded as a big.Rat so that
// multiplying by safety and escalation factors never loses precision.
type PerKB struct {
	*big.Rat
}

// NewPerKB creates a rate of amount per 1000 bytes.
func NewPerKB(amount btcutil.Amount) PerKB {
	return PerKB{big.NewRat(int64(amount), 1)}
}

// NewPerKBFromFee creates the rate that a fee paid for size represents.
func NewPerKBFromFee(fee btcutil.Amount, size VByte) PerKB {
	if size == 0 {
		return PerKB{big.NewRat(0, 1)}
	}

	return PerKB{big.NewRat(
		int64(fee)*BytesPerKilo, safeUint64ToInt64(uint64(size)),
	)}
}

// FeeForSize returns the fee this rate charges for size, rounded up to the
// next whole unit so that integer truncation never underpays.
func (r PerKB) FeeForSize(size VByte) btcutil.Amount {
	fee := new(big.Rat).Mul(
		r.Rat, big.NewRat(safeUint64ToInt64(uint64(size)), BytesPerKilo),
	)

	return ceilAmount(fee)
}

// Mul returns the rate multiplied by factor.
func (r PerKB) Mul(factor *big.Rat) PerKB {
	return PerKB{new(big.Rat).Mul(r.Rat, factor)}
}

// Pow returns the rate multiplied by factor n times.
func (r PerKB) Pow(factor *big.Rat, n uint32) PerKB {
	res := new(big.Rat).Set(r.Rat)
	for i := uint32(0); i < n; i++ {
		res.Mul(res, factor)
	}

	return PerKB{res}
}

// Clamp bounds the rate to [min, max]. A zero max means no upper bound.
func (r PerKB) Clamp(min, max btcutil.Amount) PerKB {
	lo := big.NewRat(int64(min), 1)
	if r.Cmp(lo) < 0 {
		return PerKB{lo}
	}

	if max > 0 {
		hi := big.NewRat(int64(max), 1)
		if r.Cmp(hi) > 0 {
			return PerKB{hi}
		}
	}

	return PerKB{new(big.Rat).Set(r.Rat)}
}

// CeilAmount returns the rate rounded up to a whole amount per KB.
func (r PerKB) CeilAmount() btcutil.Amount {
	return ceilAmount(r.Rat)
}

// IsZero reports whether the rate is unset or zero.
func (r PerKB) IsZero() bool {
	return r.Rat == nil || r.Sign() == 0
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (r PerKB) Equal(other PerKB) bool {
	return r.Cmp(other.Rat) == 0
}

// GreaterThan returns true if the fee rate is greater than the other fee
// rate.
func (r PerKB) GreaterThan(other PerKB) bool {
	return r.Cmp(other.Rat) > 0
}

// String returns a human-readable string of the fee rate.
func (r PerKB) String() string {
	if r.Rat == nil {
		return "0 /kb"
	}

	return r.FloatString(floatStringPrecision) + " /kb"
}

// ParseRatio parses a positive decimal or fraction string such as "1.25"
// or "5/4" into an exact rational number.
func ParseRatio(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRatio, s)
	}

	if r.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive",
			ErrInvalidRatio, s)
	}

	return r, nil
}

// ceilAmount rounds a non-negative big.Rat up to the next btcutil.Amount
// using the ceiling division formula (num + den - 1) / den.
func ceilAmount(r *big.Rat) btcutil.Amount {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()

	if num.Sign() <= 0 {
		return btcutil.Amount(new(big.Int).Quo(num, den).Int64())
	}

	num.Add(num, den)
	num.Sub(num, big.NewInt(1))
	num.Div(num, den)

	return btcutil.Amount(num.Int64())
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// In practice the values being converted are transaction sizes, which are
// limited by consensus rules and are not expected to overflow an int64.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
